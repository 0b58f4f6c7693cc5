package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/goccy/go-json"
)

var (
	ErrGeoUnavailable = errors.New("геолокация недоступна")
	ErrGeoQuota       = errors.New("исчерпана квота провайдера геолокации")
)

// GeoProvider внешний сервис определения местоположения по IP
type GeoProvider interface {
	Lookup(ctx context.Context, ip string) (*models.GeoLocation, error)
	Name() string
}

// IPAPIProvider провайдер на основе ip-api.com (бесплатный тариф, без ключа)
type IPAPIProvider struct {
	client  *http.Client
	baseURL string
}

type ipAPIResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
}

// NewIPAPIProvider создаёт провайдер. Таймаут клиента страхует от зависания,
// основной бюджет задаётся контекстом вызывающего.
func NewIPAPIProvider(baseURL string) *IPAPIProvider {
	return &IPAPIProvider{
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		baseURL: baseURL,
	}
}

func (p *IPAPIProvider) Name() string {
	return "ip-api.com"
}

// Lookup запрашивает геолокацию публичного IP
func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*models.GeoLocation, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ip)
	}

	url := fmt.Sprintf("%s/%s?fields=status,message,country,regionName,city", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrGeoQuota
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", p.Name(), resp.StatusCode)
	}

	var result ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", p.Name(), err)
	}

	if result.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrGeoUnavailable, result.Message)
	}

	return &models.GeoLocation{
		Country: result.Country,
		Region:  result.RegionName,
		City:    result.City,
		Source:  models.GeoSourceProvider,
	}, nil
}
