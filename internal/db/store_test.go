package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

func TestProblemStoreRoundTrip(t *testing.T) {
	database := openTestDB(t)
	store := NewProblemStore(database)
	ctx := context.Background()

	p := domain.Problem{
		ID:               "p1",
		Title:            "A+B Problem",
		TestCount:        5,
		TestKind:         domain.TestKindStd,
		InputName:        "in",
		OutputName:       "out",
		AcceptedLangs:    []domain.Lang{{Name: "cpp", Version: "17"}, {Name: "python"}},
		Limit:            domain.Limit{TimeMS: 1000, MemKB: 65536},
		JudgeMode:        domain.JudgeMode{Mode: "strict"},
		PointPerTestcase: 20,
		VisibilityRoles:  []string{"@everyone"},
		AuthorID:         "u1",
		DataDir:          "/data/p1",
	}
	require.NoError(t, store.Put(ctx, p))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Title, got.Title)
	assert.Equal(t, p.AcceptedLangs, got.AcceptedLangs)
	assert.Equal(t, p.Limit, got.Limit)
	assert.Equal(t, p.VisibilityRoles, got.VisibilityRoles)
}

func TestProblemStoreGetUnknownReturnsNotFound(t *testing.T) {
	store := NewProblemStore(openTestDB(t))

	_, err := store.Get(context.Background(), "missing")
	var notFound *domain.ProblemNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestProblemStoreListReturnsAllPut(t *testing.T) {
	store := NewProblemStore(openTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, domain.Problem{ID: "p1", Title: "One"}))
	require.NoError(t, store.Put(ctx, domain.Problem{ID: "p2", Title: "Two"}))

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestProblemStorePutUpserts(t *testing.T) {
	store := NewProblemStore(openTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, domain.Problem{ID: "p1", Title: "Original"}))
	require.NoError(t, store.Put(ctx, domain.Problem{ID: "p1", Title: "Updated"}))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Updated", got.Title)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1, "Put on an existing id must update, not duplicate")
}

func TestSubmissionStoreRoundTrip(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))
	ctx := context.Background()

	sub := domain.Submission{
		ID:         "s1",
		ProblemID:  "p1",
		Lang:       domain.Lang{Name: "cpp", Version: "17"},
		Compiler:   domain.Compiler{Name: "g++", Version: "latest"},
		AuthorID:   "u1",
		SourcePath: "/data/s1/source",
	}
	require.NoError(t, store.Put(ctx, sub))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sub.Lang, got.Lang)
	assert.Equal(t, sub.Compiler, got.Compiler)
	assert.Nil(t, got.Result)
}

func TestSubmissionStoreGetUnknownReturnsNotFound(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))

	_, err := store.Get(context.Background(), "missing")
	var notFound *domain.SubmissionNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSubmissionStoreSaveResultAttachesResult(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, domain.Submission{ID: "s1", ProblemID: "p1"}))

	result := domain.SubmissionResult{
		Status: domain.WrongAnswer,
		Warn:   "warn text",
		Error:  "",
		TimeS:  0.25,
		Memory: domain.Memory{AvgKB: 2048, PeakKB: 4096},
		Point:  7.5,
	}
	require.NoError(t, store.SaveResult(ctx, "s1", result))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, result, *got.Result)
}

func TestSubmissionStoreSaveResultUnknownReturnsNotFound(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))

	err := store.SaveResult(context.Background(), "missing", domain.SubmissionResult{})
	var notFound *domain.SubmissionNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestUserStoreRolesIncludeImplicitEveryone(t *testing.T) {
	store := NewUserStore(openTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, domain.User{ID: "u1", Name: "alice", Roles: []string{"admin"}}))

	roles, err := store.Roles(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"@everyone", "admin"}, roles)
}

func TestUserStoreRolesUnknownReturnsNotFound(t *testing.T) {
	store := NewUserStore(openTestDB(t))

	_, err := store.Roles(context.Background(), "missing")
	var notFound *domain.UserNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRoleStoreListsNamesSorted(t *testing.T) {
	store := NewRoleStore(openTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, domain.Role{Name: "setter"}))
	require.NoError(t, store.Put(ctx, domain.Role{Name: "admin", Description: "full access"}))

	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "setter"}, names)
}
