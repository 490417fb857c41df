// Package outbox is the worker-local durable buffer for status and log
// messages the worker couldn't immediately deliver (e.g. a transient
// broker outage mid-job). Entries are written to a local SQLite
// file and a background syncer periodically retries flushing them, giving
// the worker an offline-tolerant write path instead of losing status
// updates outright.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/northbridge-io/taskgrid/internal/platform/logger"
)

// Entry is one buffered message awaiting delivery.
type Entry struct {
	ID           string `gorm:"type:text;primaryKey"`
	OccurrenceID string `gorm:"type:text;index"`
	Kind         string `gorm:"type:text"` // "status" | "log" | "failure"
	Payload      string `gorm:"type:text"`
	Attempts     int
	CreatedAt    time.Time
	LastAttempt  *time.Time
}

func (Entry) TableName() string { return "outbox_entries" }

// Sink is the destination a flushed entry is delivered to — typically a
// thin adapter over internal/occurrence or an external notification
// channel. Returning an error leaves the entry in the outbox for the next
// flush attempt.
type Sink func(ctx context.Context, e Entry) error

// Outbox is the local durable queue.
type Outbox struct {
	db          *gorm.DB
	log         *logger.Logger
	maxAttempts int
}

// Options configures the SQLite file path and retry ceiling.
type Options struct {
	Path        string
	MaxAttempts int
}

// Open opens (creating if necessary) the SQLite-backed outbox at opts.Path.
func Open(opts Options, log *logger.Logger) (*Outbox, error) {
	if opts.Path == "" {
		opts.Path = "taskgrid-outbox.db"
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	db, err := gorm.Open(sqlite.Open(opts.Path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("outbox: open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}
	return &Outbox{db: db, log: log.With("component", "outbox"), maxAttempts: maxAttempts}, nil
}

// Enqueue buffers e for later delivery.
func (o *Outbox) Enqueue(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	return o.db.WithContext(ctx).Create(&e).Error
}

// Flush attempts to deliver every buffered entry via sink, in creation
// order, removing each one that succeeds. Entries that exceed maxAttempts
// are dropped and logged rather than retried forever.
func (o *Outbox) Flush(ctx context.Context, sink Sink) (delivered int, dropped int, err error) {
	var entries []Entry
	if err := o.db.WithContext(ctx).Order("created_at asc").Find(&entries).Error; err != nil {
		return 0, 0, fmt.Errorf("outbox: list entries: %w", err)
	}
	for _, e := range entries {
		if sinkErr := sink(ctx, e); sinkErr != nil {
			now := time.Now().UTC()
			e.Attempts++
			e.LastAttempt = &now
			if e.Attempts >= o.maxAttempts {
				o.log.Warn("dropping outbox entry after exhausting retries", "occurrence_id", e.OccurrenceID, "kind", e.Kind, "attempts", e.Attempts)
				_ = o.db.WithContext(ctx).Delete(&Entry{}, "id = ?", e.ID).Error
				dropped++
				continue
			}
			_ = o.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", e.ID).Updates(map[string]interface{}{
				"attempts":     e.Attempts,
				"last_attempt": e.LastAttempt,
			}).Error
			continue
		}
		_ = o.db.WithContext(ctx).Delete(&Entry{}, "id = ?", e.ID).Error
		delivered++
	}
	return delivered, dropped, nil
}

// RunSyncer blocks, flushing on interval until ctx is canceled.
func (o *Outbox) RunSyncer(ctx context.Context, interval time.Duration, sink Sink) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			delivered, dropped, err := o.Flush(ctx, sink)
			if err != nil {
				o.log.Warn("flush failed", "error", err)
				continue
			}
			if delivered > 0 || dropped > 0 {
				o.log.Debug("outbox flush complete", "delivered", delivered, "dropped", dropped)
			}
		}
	}
}

// Cleanup deletes entries older than olderThan whose attempts already
// reached maxAttempts: a defensive pass for rows that Flush's drop path
// failed to delete. Delivered entries are removed by Flush itself.
func (o *Outbox) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := o.db.WithContext(ctx).Where("created_at < ? AND attempts >= ?", cutoff, o.maxAttempts).Delete(&Entry{})
	return res.RowsAffected, res.Error
}

// Close releases the underlying SQLite connection.
func (o *Outbox) Close() error {
	sqlDB, err := o.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
