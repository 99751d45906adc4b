// Package filestore implements the store interfaces on top of flat JSON
// documents and a testcase directory tree, grounded on the Python
// original's db/file.py adapter (one JSON document per collection, with
// testcases laid out as data_dir/testcases/<index>/<input|output-name>).
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

// jsonDoc is a generic atomically-persisted map[id]T, the same
// temp-file+rename discipline as internal/registry.
type jsonDoc[T any] struct {
	mu   sync.Mutex
	path string
	data map[string]T
}

func openDoc[T any](path string) (*jsonDoc[T], error) {
	d := &jsonDoc[T]{path: path, data: make(map[string]T)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d.data); err != nil {
		return nil, fmt.Errorf("filestore: corrupted document %s: %w", path, err)
	}
	return d, nil
}

func (d *jsonDoc[T]) get(id string) (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.data[id]
	return v, ok
}

func (d *jsonDoc[T]) list() []T {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]T, 0, len(d.data))
	for _, v := range d.data {
		out = append(out, v)
	}
	return out
}

func (d *jsonDoc[T]) put(id string, v T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[id] = v
	return d.persist()
}

func (d *jsonDoc[T]) mutate(id string, fn func(T, bool) (T, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.data[id]
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	d.data[id] = next
	return d.persist()
}

// persist must be called with d.mu held.
func (d *jsonDoc[T]) persist() error {
	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("filestore: create dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(d.data, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", d.path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		return fmt.Errorf("filestore: rename temp file: %w", err)
	}
	ok = true
	return nil
}

// Store bundles the problem, submission, user, and role JSON documents
// rooted under a single data directory, plus testcase file access.
type Store struct {
	root        string
	problems    *jsonDoc[domain.Problem]
	submissions *jsonDoc[domain.Submission]
	users       *jsonDoc[domain.User]
	roles       *jsonDoc[domain.Role]
}

// Open loads (or creates) the collection documents under root.
func Open(root string) (*Store, error) {
	problems, err := openDoc[domain.Problem](filepath.Join(root, "problems.json"))
	if err != nil {
		return nil, err
	}
	submissions, err := openDoc[domain.Submission](filepath.Join(root, "submissions.json"))
	if err != nil {
		return nil, err
	}
	users, err := openDoc[domain.User](filepath.Join(root, "users.json"))
	if err != nil {
		return nil, err
	}
	roles, err := openDoc[domain.Role](filepath.Join(root, "roles.json"))
	if err != nil {
		return nil, err
	}
	return &Store{root: root, problems: problems, submissions: submissions, users: users, roles: roles}, nil
}

// Problems returns a store.ProblemStore view over this Store.
func (s *Store) Problems() *ProblemAdapter { return &ProblemAdapter{s} }

// Submissions returns a store.SubmissionStore view over this Store.
func (s *Store) Submissions() *SubmissionAdapter { return &SubmissionAdapter{s} }

// Users returns a store.UserStore view over this Store.
func (s *Store) Users() *UserAdapter { return &UserAdapter{s} }

// Roles returns a store.RoleStore view over this Store.
func (s *Store) Roles() *RoleAdapter { return &RoleAdapter{s} }

// ProblemAdapter implements store.ProblemStore over a Store's problem
// document. Split from Store itself because Go forbids two differently
// -typed methods named Get on the same receiver.
type ProblemAdapter struct{ s *Store }

func (a *ProblemAdapter) Get(ctx context.Context, id string) (domain.Problem, error) {
	p, ok := a.s.problems.get(id)
	if !ok {
		return domain.Problem{}, &domain.ProblemNotFoundError{ID: id}
	}
	return p, nil
}

func (a *ProblemAdapter) List(ctx context.Context) ([]domain.Problem, error) {
	return a.s.problems.list(), nil
}

func (a *ProblemAdapter) Put(ctx context.Context, p domain.Problem) error {
	if p.DataDir == "" {
		p.DataDir = filepath.Join(a.s.root, "problems", p.ID)
	}
	if err := os.MkdirAll(p.DataDir, 0o750); err != nil {
		return fmt.Errorf("filestore: create problem dir: %w", err)
	}
	return a.s.problems.put(p.ID, p)
}

// SubmissionAdapter implements store.SubmissionStore over a Store's
// submission document.
type SubmissionAdapter struct{ s *Store }

func (a *SubmissionAdapter) Get(ctx context.Context, id string) (domain.Submission, error) {
	sub, ok := a.s.submissions.get(id)
	if !ok {
		return domain.Submission{}, &domain.SubmissionNotFoundError{ID: id}
	}
	return sub, nil
}

func (a *SubmissionAdapter) Put(ctx context.Context, sub domain.Submission) error {
	return a.s.submissions.put(sub.ID, sub)
}

func (a *SubmissionAdapter) SaveResult(ctx context.Context, id string, result domain.SubmissionResult) error {
	return a.s.submissions.mutate(id, func(cur domain.Submission, ok bool) (domain.Submission, error) {
		if !ok {
			return domain.Submission{}, &domain.SubmissionNotFoundError{ID: id}
		}
		r := result
		cur.Result = &r
		return cur, nil
	})
}

// Source reads a submission's source code from its SourcePath (the
// invariant is exactly one source file on disk per submission).
func (s *Store) Source(sub domain.Submission) (string, error) {
	path := sub.SourcePath
	if path == "" {
		path = s.SourcePath(sub.ID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("filestore: read submission %s source: %w", sub.ID, err)
	}
	return string(data), nil
}

// Judger reads a problem's custom judger source, if it carries one. A
// problem without a custom judger yields an empty string and no error.
func (s *Store) Judger(p domain.Problem) (string, error) {
	if !p.HasCustomJudger() {
		return "", nil
	}
	data, err := os.ReadFile(p.CustomJudgerPath)
	if err != nil {
		return "", fmt.Errorf("filestore: read problem %s judger: %w", p.ID, err)
	}
	return string(data), nil
}

// UserAdapter implements store.UserStore over a Store's user document.
type UserAdapter struct{ s *Store }

func (a *UserAdapter) Get(ctx context.Context, id string) (domain.User, error) {
	u, ok := a.s.users.get(id)
	if !ok {
		return domain.User{}, &domain.UserNotFoundError{ID: id}
	}
	return u, nil
}

func (a *UserAdapter) Put(ctx context.Context, u domain.User) error {
	return a.s.users.put(u.ID, u)
}

// Roles resolves a user id to its role set. Every user implicitly holds
// "@everyone" in addition to whatever the record grants.
func (a *UserAdapter) Roles(ctx context.Context, userID string) ([]string, error) {
	u, ok := a.s.users.get(userID)
	if !ok {
		return nil, &domain.UserNotFoundError{ID: userID}
	}
	return append([]string{"@everyone"}, u.Roles...), nil
}

// RoleAdapter implements store.RoleStore over a Store's role document.
type RoleAdapter struct{ s *Store }

func (a *RoleAdapter) List(ctx context.Context) ([]string, error) {
	roles := a.s.roles.list()
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.Name)
	}
	sort.Strings(out)
	return out, nil
}

func (a *RoleAdapter) Put(ctx context.Context, r domain.Role) error {
	return a.s.roles.put(r.Name, r)
}

// Testcase reads the input/output content for testcase index i of
// problem p, from p.DataDir/testcases/<i>/<InputName|OutputName>.
func (s *Store) Testcase(p domain.Problem, i int) (input, output string, err error) {
	dir := filepath.Join(p.DataDir, "testcases", fmt.Sprintf("%d", i))
	in, err := os.ReadFile(filepath.Join(dir, p.InputName))
	if err != nil {
		return "", "", fmt.Errorf("filestore: read testcase %d input: %w", i, err)
	}
	out, err := os.ReadFile(filepath.Join(dir, p.OutputName))
	if err != nil {
		return "", "", fmt.Errorf("filestore: read testcase %d output: %w", i, err)
	}
	return string(in), string(out), nil
}

// SourcePath returns the path a submission's source should be written to
// before judging: data_dir/submissions/<id>/source.
func (s *Store) SourcePath(submissionID string) string {
	return filepath.Join(s.root, "submissions", submissionID, "source")
}

// WriteSource persists a submission's source code to its SourcePath,
// creating parent directories as needed.
func (s *Store) WriteSource(submissionID, content string) (string, error) {
	path := s.SourcePath(submissionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("filestore: create submission dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		return "", fmt.Errorf("filestore: write source: %w", err)
	}
	return path, nil
}
