package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/middleware"
	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/SergeiKhy/site-analytics/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxBodyBytes предельный размер тела /track
const maxBodyBytes = 1 << 20

type TrackHandler struct {
	service service.TrackService
	logger  *zap.Logger
}

func NewTrackHandler(service service.TrackService, logger *zap.Logger) *TrackHandler {
	return &TrackHandler{
		service: service,
		logger:  logger,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type TrackResponse struct {
	Success    bool                 `json:"success"`
	Applied    int                  `json:"applied"`
	Duplicates int                  `json:"duplicates"`
	Rejected   int                  `json:"rejected"`
	Failed     int                  `json:"failed"`
	Results    []models.EventResult `json:"results"`
}

type LocationResponse struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// Track принимает пакет {"batchEvents": [...]} или одиночное событие.
// 200 означает, что пакет обработан (возможно частично, подробности в results).
// 503 означает сбой хранилища: клиент повторяет пакет целиком, журнал отсеет уже применённое.
//
// @Summary Track events
// @Description Apply a batch of analytics events idempotently
// @Tags tracking
// @Accept json
// @Produce json
// @Param request body models.Batch true "Event batch or a single legacy event"
// @Success 200 {object} TrackResponse
// @Failure 400 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Failure 503 {object} TrackResponse
// @Router /track [post]
func (h *TrackHandler) Track(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "payload_too_large",
				Message: "Request body exceeds 1MB",
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to read request body",
		})
		return
	}

	result, err := h.service.Track(c.Request.Context(), &service.TrackRequest{
		Body:       body,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		VisitorID:  c.GetString(middleware.VisitorIDKey),
		SessionID:  c.GetString(middleware.SessionIDKey),
		ReceivedAt: time.Now(),
	})
	if err != nil {
		if errors.Is(err, service.ErrMalformedPayload) {
			h.logger.Warn("Invalid track payload", zap.String("ip", c.ClientIP()), zap.Error(err))
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "malformed_payload",
				Message: err.Error(),
			})
			return
		}
		h.logger.Error("Failed to process track request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to process events",
		})
		return
	}

	response := TrackResponse{
		Success:    result.Failed == 0,
		Applied:    result.Applied,
		Duplicates: result.Duplicates,
		Rejected:   result.Rejected,
		Failed:     result.Failed,
		Results:    result.Results,
	}

	if result.Failed > 0 {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

// Locate возвращает грубое местоположение вызывающего. Всегда 200:
// при недоступности провайдера отдаётся запасной регион.
//
// @Summary Caller location
// @Tags tracking
// @Produce json
// @Success 200 {object} LocationResponse
// @Router /track [get]
func (h *TrackHandler) Locate(c *gin.Context) {
	geo := h.service.Locate(c.Request.Context(), c.ClientIP())
	c.JSON(http.StatusOK, LocationResponse{
		Country: geo.Country,
		Region:  geo.Region,
		City:    geo.City,
	})
}
