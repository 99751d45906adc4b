// Package store defines the capability interfaces the dispatcher core
// consumes for problem/submission/user/role data. Two implementations are
// selectable at startup: a file-backed one (internal/store/filestore,
// grounded on the Python original's JSON-file adapter) and a relational
// one (internal/db, backed by GORM). Core code programs to these
// interfaces only — it never imports either implementation directly.
package store

import (
	"context"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

// ProblemStore is the CRUD-by-id and list surface the dispatcher needs
// from the problem collection.
type ProblemStore interface {
	Get(ctx context.Context, id string) (domain.Problem, error)
	List(ctx context.Context) ([]domain.Problem, error)
	Put(ctx context.Context, p domain.Problem) error
}

// SubmissionStore is the CRUD-by-id surface the dispatcher needs from the
// submission collection, plus the single update the dispatcher performs:
// attaching a final result.
type SubmissionStore interface {
	Get(ctx context.Context, id string) (domain.Submission, error)
	Put(ctx context.Context, s domain.Submission) error
	SaveResult(ctx context.Context, id string, result domain.SubmissionResult) error
}

// UserStore resolves a user id to the role set used by
// domain.Problem.VisibleTo.
type UserStore interface {
	Roles(ctx context.Context, userID string) ([]string, error)
}

// RoleStore lists the role names known to the system, used by the
// external REST surface to validate a problem's VisibilityRoles on
// write — the dispatcher core itself never calls this.
type RoleStore interface {
	List(ctx context.Context) ([]string, error)
}
