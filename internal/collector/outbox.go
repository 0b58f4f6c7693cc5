package collector

import (
	"sort"
	"strings"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const outboxPrefix = "outbox/"

// outboxRecord событие, которое не удалось доставить
type outboxRecord struct {
	Event    models.Event `json:"event"`
	FailedAt time.Time    `json:"failed_at"`
	Instance string       `json:"instance"` // загрузка страницы, сохранившая запись
}

// Outbox долговременное хранилище недоставленных событий. Переживает перезагрузку страницы.
// Записи старше максимального возраста повтора удаляются при восстановлении.
type Outbox struct {
	storage  Storage
	clock    clockwork.Clock
	instance string
	logger   *zap.Logger
}

func NewOutbox(storage Storage, clock clockwork.Clock, instance string, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		storage:  storage,
		clock:    clock,
		instance: instance,
		logger:   logger,
	}
}

// Save сохраняет события. Для уже сохранённых сохраняется исходное время сбоя,
// иначе повторные сбои продлевали бы запись бесконечно.
func (o *Outbox) Save(events []models.Event) error {
	now := o.clock.Now()
	for _, ev := range events {
		record, err := json.Marshal(outboxRecord{Event: ev, FailedAt: now, Instance: o.instance})
		if err != nil {
			return err
		}
		_, err = o.storage.Mutate(outboxPrefix+ev.ID, func(current []byte, found bool) ([]byte, time.Duration, error) {
			if found {
				return nil, 0, nil
			}
			return record, 0, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Remove удаляет доставленные события
func (o *Outbox) Remove(ids []string) {
	for _, id := range ids {
		if err := o.storage.Delete(outboxPrefix + id); err != nil {
			o.logger.Debug("Не удалось удалить запись outbox", zap.String("event_id", id), zap.Error(err))
		}
	}
}

// Recover возвращает события, сохранённые предыдущими загрузками страницы и не старше maxAge.
// Более старые записи удаляются с предупреждением.
func (o *Outbox) Recover(maxAge time.Duration) ([]models.Event, error) {
	records, err := o.storage.Scan(outboxPrefix)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	var (
		recovered []models.Event
		expired   int
	)
	for key, data := range records {
		var rec outboxRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			_ = o.storage.Delete(key)
			continue
		}
		if rec.Instance == o.instance {
			continue
		}
		if now.Sub(rec.FailedAt) > maxAge {
			expired++
			_ = o.storage.Delete(key)
			continue
		}
		recovered = append(recovered, rec.Event)
	}

	if expired > 0 {
		o.logger.Warn("Отброшены недоставленные события старше максимального возраста повтора",
			zap.Int("discarded", expired),
			zap.Duration("max_age", maxAge),
		)
	}

	sort.Slice(recovered, func(i, j int) bool {
		return recovered[i].Timestamp.Before(recovered[j].Timestamp)
	})
	return recovered, nil
}

// Clear удаляет все записи
func (o *Outbox) Clear() {
	records, err := o.storage.Scan(outboxPrefix)
	if err != nil {
		return
	}
	for key := range records {
		o.Remove([]string{strings.TrimPrefix(key, outboxPrefix)})
	}
}
