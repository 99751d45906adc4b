package db

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/justyse-oj/dispatcher/internal/submissionlog"
)

// SubmissionLogBackend implements submissionlog.Backend over a *gorm.DB.
type SubmissionLogBackend struct{ DB *gorm.DB }

func NewSubmissionLogBackend(database *gorm.DB) *SubmissionLogBackend {
	return &SubmissionLogBackend{DB: database}
}

func (b *SubmissionLogBackend) DumpLogs(ctx context.Context, submissionID, runID string, frames []submissionlog.Frame) error {
	data, err := json.Marshal(frames)
	if err != nil {
		return fmt.Errorf("db: marshal transcript: %w", err)
	}
	rec := SubmissionLogRecord{SubmissionID: submissionID, RunID: runID, Frames: string(data)}
	if err := b.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("db: dump logs for %s/%s: %w", submissionID, runID, err)
	}
	return nil
}

func (b *SubmissionLogBackend) GetLogs(ctx context.Context, submissionID, runID string) ([]submissionlog.Frame, error) {
	var rec SubmissionLogRecord
	err := b.DB.WithContext(ctx).
		Where("submission_id = ? AND run_id = ?", submissionID, runID).
		Order("id desc").
		First(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("db: get logs for %s/%s: %w", submissionID, runID, err)
	}
	var frames []submissionlog.Frame
	if err := json.Unmarshal([]byte(rec.Frames), &frames); err != nil {
		return nil, fmt.Errorf("db: decode transcript for %s/%s: %w", submissionID, runID, err)
	}
	return frames, nil
}

func (b *SubmissionLogBackend) GetLogIDs(ctx context.Context, submissionID string) ([]string, error) {
	var ids []string
	err := b.DB.WithContext(ctx).
		Model(&SubmissionLogRecord{}).
		Where("submission_id = ?", submissionID).
		Order("id asc").
		Pluck("run_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("db: get log ids for %s: %w", submissionID, err)
	}
	return ids, nil
}
