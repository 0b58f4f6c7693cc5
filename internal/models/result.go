package models

import "time"

// EventOutcome итог применения одного события из пакета.
type EventOutcome string

const (
	OutcomeApplied   EventOutcome = "applied"
	OutcomeDuplicate EventOutcome = "duplicate"
	OutcomeRejected  EventOutcome = "rejected"
	OutcomeFailed    EventOutcome = "failed"
)

type EventResult struct {
	Index   int          `json:"index"`
	ID      string       `json:"id,omitempty"`
	Outcome EventOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

// BatchResult отчёт по пакету: частичное применение допустимо и описывается поэлементно.
type BatchResult struct {
	Results    []EventResult `json:"results"`
	Applied    int           `json:"applied"`
	Duplicates int           `json:"duplicates"`
	Rejected   int           `json:"rejected"`
	Failed     int           `json:"failed"`
}

func (r *BatchResult) Add(res EventResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeApplied:
		r.Applied++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeRejected:
		r.Rejected++
	case OutcomeFailed:
		r.Failed++
	}
}

// ArchivedEvent сырое принятое событие для аналитического архива.
type ArchivedEvent struct {
	Event      Event
	Geo        GeoLocation
	IPAddress  string
	UserAgent  string
	ReceivedAt time.Time
}
