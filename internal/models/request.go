package models

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// TrackPayload разобранное тело POST /track: каждый элемент декодируется отдельно,
// чтобы один битый элемент не ломал весь пакет.
type TrackPayload struct {
	Items  []json.RawMessage
	Legacy bool // тело было одиночным "плоским" событием
}

// legacyEvent принимает устаревшие имена полей одиночного события.
type legacyEvent struct {
	Event
	EventType string `json:"event_type,omitempty"`
	Type      string `json:"type,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
}

// DecodeTrackPayload распознаёт форму тела: {"batchEvents": [...]} или одиночное событие.
func DecodeTrackPayload(body []byte) (*TrackPayload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrMalformedEvent)
	}

	var envelope struct {
		BatchEvents *[]json.RawMessage `json:"batchEvents"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if envelope.BatchEvents != nil {
		return &TrackPayload{Items: *envelope.BatchEvents}, nil
	}

	return &TrackPayload{Items: []json.RawMessage{json.RawMessage(body)}, Legacy: true}, nil
}

// DecodeEvent декодирует один элемент пакета, нормализуя устаревшие псевдонимы полей.
// Валидация выполняется отдельно, после заполнения серверных полей.
func DecodeEvent(raw json.RawMessage) (*Event, error) {
	var le legacyEvent
	if err := json.Unmarshal(raw, &le); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := le.Event
	if ev.Kind == "" {
		ev.Kind = firstNonEmpty(le.EventType, le.Type)
	}
	if ev.PageURL == "" {
		ev.PageURL = le.URL
	}
	if ev.PageTitle == "" {
		ev.PageTitle = le.Title
	}
	if ev.Kind == "page_view" {
		ev.Kind = KindPageView
	}

	return &ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
