package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Kind значения для встроенных событий; любые другие имена считаются кастомными.
const (
	KindPageView = "pageview"
)

// DefaultIDBucket грубость временного окна при выводе идентификатора события.
const DefaultIDBucket = time.Second

// MaxBatchEvents предел событий в одном теле /track. Очередь коллектора не растёт дальше него,
// иначе beacon при выгрузке страницы будет отклонён целиком.
const MaxBatchEvents = 500

var ErrMalformedEvent = errors.New("malformed event")

var validate = validator.New()

// Event одно наблюдаемое действие посетителя. После создания не изменяется.
// ID является ключом идемпотентности: сервер применяет событие не более одного раза.
type Event struct {
	ID         string         `json:"id" validate:"required,max=128"`
	Kind       string         `json:"kind" validate:"required,max=64"`
	PageURL    string         `json:"page_url" validate:"required,max=2048"`
	PageTitle  string         `json:"page_title,omitempty" validate:"max=512"`
	Referrer   string         `json:"referrer,omitempty" validate:"max=2048"`
	VisitorID  string         `json:"visitor_id" validate:"required,max=64"`
	SessionID  string         `json:"session_id" validate:"required,max=64"`
	Timestamp  time.Time      `json:"timestamp"`
	TimeOnPage *int64         `json:"time_on_page,omitempty" validate:"omitempty,min=0,max=86400"` // секунды
	Payload    map[string]any `json:"payload,omitempty"`
}

// IsPageView сообщает, увеличивает ли событие счётчики просмотров.
func (e *Event) IsPageView() bool {
	return e.Kind == KindPageView
}

// Date канонический день события (UTC), по которому ключуются все счётчики.
func (e *Event) Date() time.Time {
	return DayOf(e.Timestamp)
}

// Validate проверяет событие перед применением к счётчикам.
func (e *Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrMalformedEvent)
	}
	return nil
}

// DayOf усекает время до начала суток в UTC.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DeriveEventID детерминированно выводит идентификатор события из его логического содержимого
// и грубого временного окна. Повторная постановка того же события в очередь даёт тот же ID.
func DeriveEventID(kind, pageURL, visitorID, sessionID string, payload map[string]any, ts time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultIDBucket
	}

	// Ключи map сериализуются в отсортированном порядке, поэтому представление стабильно
	canonical, err := json.Marshal(struct {
		Kind      string         `json:"k"`
		PageURL   string         `json:"u"`
		VisitorID string         `json:"v"`
		SessionID string         `json:"s"`
		Payload   map[string]any `json:"p,omitempty"`
		Bucket    int64          `json:"b"`
	}{
		Kind:      kind,
		PageURL:   pageURL,
		VisitorID: visitorID,
		SessionID: sessionID,
		Payload:   payload,
		Bucket:    ts.UTC().UnixNano() / int64(bucket),
	})
	if err != nil {
		// payload с несериализуемыми значениями: опираемся на fmt-представление
		canonical = []byte(fmt.Sprintf("%s|%s|%s|%s|%v|%d", kind, pageURL, visitorID, sessionID, payload, ts.UTC().UnixNano()/int64(bucket)))
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16])
}

// Batch тело запроса POST /track в пакетной форме.
type Batch struct {
	BatchEvents []Event `json:"batchEvents"`
}
