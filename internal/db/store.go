package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

// ProblemStore implements store.ProblemStore over a *gorm.DB.
type ProblemStore struct{ DB *gorm.DB }

func NewProblemStore(database *gorm.DB) *ProblemStore { return &ProblemStore{DB: database} }

func (s *ProblemStore) Get(ctx context.Context, id string) (domain.Problem, error) {
	var rec ProblemRecord
	if err := s.DB.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Problem{}, &domain.ProblemNotFoundError{ID: id}
		}
		return domain.Problem{}, fmt.Errorf("db: get problem %s: %w", id, err)
	}
	return recordToProblem(rec), nil
}

func (s *ProblemStore) List(ctx context.Context) ([]domain.Problem, error) {
	var recs []ProblemRecord
	if err := s.DB.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("db: list problems: %w", err)
	}
	out := make([]domain.Problem, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToProblem(rec))
	}
	return out, nil
}

func (s *ProblemStore) Put(ctx context.Context, p domain.Problem) error {
	rec, err := problemToRecord(p)
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Save(&rec).Error
}

func recordToProblem(rec ProblemRecord) domain.Problem {
	var langs []domain.Lang
	_ = json.Unmarshal([]byte(rec.AcceptedLangs), &langs)
	var roles []string
	_ = json.Unmarshal([]byte(rec.VisibilityRoles), &roles)
	return domain.Problem{
		ID:               rec.ID,
		Title:            rec.Title,
		TestCount:        rec.TestCount,
		TestKind:         domain.TestKind(rec.TestKind),
		InputName:        rec.InputName,
		OutputName:       rec.OutputName,
		AcceptedLangs:    langs,
		Limit:            domain.Limit{TimeMS: rec.LimitTimeMS, MemKB: rec.LimitMemKB},
		JudgeMode:        domain.JudgeMode{Mode: rec.JudgeMode},
		PointPerTestcase: rec.PointPerTestcase,
		CustomJudgerPath: rec.CustomJudgerPath,
		VisibilityRoles:  roles,
		AuthorID:         rec.AuthorID,
		DataDir:          rec.DataDir,
	}
}

func problemToRecord(p domain.Problem) (ProblemRecord, error) {
	langs, err := json.Marshal(p.AcceptedLangs)
	if err != nil {
		return ProblemRecord{}, fmt.Errorf("db: marshal accepted langs: %w", err)
	}
	roles, err := json.Marshal(p.VisibilityRoles)
	if err != nil {
		return ProblemRecord{}, fmt.Errorf("db: marshal visibility roles: %w", err)
	}
	return ProblemRecord{
		ID:               p.ID,
		Title:            p.Title,
		TestCount:        p.TestCount,
		TestKind:         string(p.TestKind),
		InputName:        p.InputName,
		OutputName:       p.OutputName,
		AcceptedLangs:    string(langs),
		LimitTimeMS:      p.Limit.TimeMS,
		LimitMemKB:       p.Limit.MemKB,
		JudgeMode:        p.JudgeMode.Mode,
		PointPerTestcase: p.PointPerTestcase,
		CustomJudgerPath: p.CustomJudgerPath,
		VisibilityRoles:  string(roles),
		AuthorID:         p.AuthorID,
		DataDir:          p.DataDir,
	}, nil
}

// SubmissionStore implements store.SubmissionStore over a *gorm.DB.
type SubmissionStore struct{ DB *gorm.DB }

func NewSubmissionStore(database *gorm.DB) *SubmissionStore { return &SubmissionStore{DB: database} }

func (s *SubmissionStore) Get(ctx context.Context, id string) (domain.Submission, error) {
	var rec SubmissionRecord
	if err := s.DB.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Submission{}, &domain.SubmissionNotFoundError{ID: id}
		}
		return domain.Submission{}, fmt.Errorf("db: get submission %s: %w", id, err)
	}
	return recordToSubmission(rec), nil
}

func (s *SubmissionStore) Put(ctx context.Context, sub domain.Submission) error {
	rec := submissionToRecord(sub)
	return s.DB.WithContext(ctx).Save(&rec).Error
}

func (s *SubmissionStore) SaveResult(ctx context.Context, id string, result domain.SubmissionResult) error {
	updates := map[string]any{
		"has_result":    true,
		"result_status": int(result.Status),
		"result_warn":   result.Warn,
		"result_error":  result.Error,
		"result_time_s": result.TimeS,
		"result_avg_kb": result.Memory.AvgKB,
		"result_peak_kb": result.Memory.PeakKB,
		"result_point":  result.Point,
	}
	res := s.DB.WithContext(ctx).Model(&SubmissionRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("db: save result for submission %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.SubmissionNotFoundError{ID: id}
	}
	return nil
}

func recordToSubmission(rec SubmissionRecord) domain.Submission {
	sub := domain.Submission{
		ID:         rec.ID,
		ProblemID:  rec.ProblemID,
		Lang:       domain.Lang{Name: rec.LangName, Version: rec.LangVersion},
		Compiler:   domain.Compiler{Name: rec.CompilerName, Version: rec.CompilerVersion},
		AuthorID:   rec.AuthorID,
		SourcePath: rec.SourcePath,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.HasResult {
		sub.Result = &domain.SubmissionResult{
			Status: domain.StatusCode(rec.ResultStatus),
			Warn:   rec.ResultWarn,
			Error:  rec.ResultError,
			TimeS:  rec.ResultTimeS,
			Memory: domain.Memory{AvgKB: rec.ResultAvgKB, PeakKB: rec.ResultPeakKB},
			Point:  rec.ResultPoint,
		}
	}
	return sub
}

// UserStore implements store.UserStore over a *gorm.DB.
type UserStore struct{ DB *gorm.DB }

func NewUserStore(database *gorm.DB) *UserStore { return &UserStore{DB: database} }

// Roles resolves a user id to its role set. Every user implicitly holds
// "@everyone" in addition to whatever the record grants.
func (s *UserStore) Roles(ctx context.Context, userID string) ([]string, error) {
	var rec UserRecord
	if err := s.DB.WithContext(ctx).First(&rec, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &domain.UserNotFoundError{ID: userID}
		}
		return nil, fmt.Errorf("db: get user %s: %w", userID, err)
	}
	var roles []string
	_ = json.Unmarshal([]byte(rec.Roles), &roles)
	return append([]string{"@everyone"}, roles...), nil
}

func (s *UserStore) Put(ctx context.Context, u domain.User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return fmt.Errorf("db: marshal user roles: %w", err)
	}
	rec := UserRecord{ID: u.ID, Name: u.Name, Roles: string(roles), CreatedAt: u.CreatedAt}
	return s.DB.WithContext(ctx).Save(&rec).Error
}

// RoleStore implements store.RoleStore over a *gorm.DB.
type RoleStore struct{ DB *gorm.DB }

func NewRoleStore(database *gorm.DB) *RoleStore { return &RoleStore{DB: database} }

func (s *RoleStore) List(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.DB.WithContext(ctx).Model(&RoleRecord{}).Order("name asc").Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("db: list roles: %w", err)
	}
	return names, nil
}

func (s *RoleStore) Put(ctx context.Context, r domain.Role) error {
	rec := RoleRecord{Name: r.Name, Description: r.Description}
	return s.DB.WithContext(ctx).Save(&rec).Error
}

func submissionToRecord(sub domain.Submission) SubmissionRecord {
	rec := SubmissionRecord{
		ID:              sub.ID,
		ProblemID:       sub.ProblemID,
		LangName:        sub.Lang.Name,
		LangVersion:     sub.Lang.Version,
		CompilerName:    sub.Compiler.Name,
		CompilerVersion: sub.Compiler.Version,
		AuthorID:        sub.AuthorID,
		SourcePath:      sub.SourcePath,
		CreatedAt:       sub.CreatedAt,
	}
	if sub.Result != nil {
		rec.HasResult = true
		rec.ResultStatus = int(sub.Result.Status)
		rec.ResultWarn = sub.Result.Warn
		rec.ResultError = sub.Result.Error
		rec.ResultTimeS = sub.Result.TimeS
		rec.ResultAvgKB = sub.Result.Memory.AvgKB
		rec.ResultPeakKB = sub.Result.Memory.PeakKB
		rec.ResultPoint = sub.Result.Point
	}
	return rec
}
