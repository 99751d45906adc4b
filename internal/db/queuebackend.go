package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// QueueBackend implements queue.Backend over a *gorm.DB, the relational
// stand-in for the original's Redis-backed list.
type QueueBackend struct{ DB *gorm.DB }

func NewQueueBackend(database *gorm.DB) *QueueBackend { return &QueueBackend{DB: database} }

func (b *QueueBackend) Append(ctx context.Context, name string, payload []byte) (int64, error) {
	var seq int64
	err := b.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64 = -1
		if err := tx.Model(&QueueFrame{}).
			Where("name = ?", name).
			Select("COALESCE(MAX(seq), -1)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("compute next seq: %w", err)
		}
		seq = maxSeq + 1
		return tx.Create(&QueueFrame{Name: name, Seq: seq, Payload: string(payload)}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("db: append queue frame for %s: %w", name, err)
	}
	return seq, nil
}

func (b *QueueBackend) List(ctx context.Context, name string) ([][]byte, error) {
	var frames []QueueFrame
	if err := b.DB.WithContext(ctx).Where("name = ?", name).Order("seq asc").Find(&frames).Error; err != nil {
		return nil, fmt.Errorf("db: list queue frames for %s: %w", name, err)
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = []byte(f.Payload)
	}
	return out, nil
}

func (b *QueueBackend) Len(ctx context.Context, name string) (int, error) {
	var count int64
	if err := b.DB.WithContext(ctx).Model(&QueueFrame{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("db: count queue frames for %s: %w", name, err)
	}
	return int(count), nil
}
