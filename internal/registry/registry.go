// Package registry persists the set of judge-worker endpoints the
// dispatcher may connect to. It is a pure metadata store: it never opens a
// connection itself, and it does not know whether a given server is
// currently reachable — that is the dispatcher's job.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

// document is the on-disk shape of servers.json: an ordered mapping of id
// to descriptor. order is kept alongside the map so List() can return
// entries in insertion order without relying on Go's unordered map
// iteration.
type document struct {
	Order   []string                            `json:"order"`
	Servers map[string]domain.ServerDescriptor `json:"servers"`
}

// Registry is a single ordered map of server descriptors, persisted
// atomically to a JSON document on every mutation.
//
// Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	path   string
	doc    document
	logger *zap.Logger
}

// Open loads the registry document at path, creating an empty one if the
// file does not exist yet.
func Open(path string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		path:   path,
		logger: logger.Named("registry"),
		doc:    document{Servers: make(map[string]domain.ServerDescriptor)},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}

	if len(data) == 0 {
		return r, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: corrupted document %s: %w", path, err)
	}
	if doc.Servers == nil {
		doc.Servers = make(map[string]domain.ServerDescriptor)
	}
	r.doc = doc
	return r, nil
}

// List returns a snapshot of every registered server, in insertion order.
func (r *Registry) List() []domain.ServerDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ServerDescriptor, 0, len(r.doc.Order))
	for _, id := range r.doc.Order {
		if d, ok := r.doc.Servers[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Get retrieves one descriptor by id.
func (r *Registry) Get(id string) (domain.ServerDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.doc.Servers[id]
	if !ok {
		return domain.ServerDescriptor{}, domain.ErrServerNotFound
	}
	return d, nil
}

// Add inserts a new descriptor, assigning it an id if the caller left one
// empty. The id assigned is a monotone string derived from the current
// document length ("0", "1", "2", ...), matching the source's id-by-length
// scheme. The document is persisted atomically before Add returns.
func (r *Registry) Add(d domain.ServerDescriptor) (domain.ServerDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.ID == "" {
		d.ID = strconv.Itoa(len(r.doc.Order))
		for {
			if _, exists := r.doc.Servers[d.ID]; !exists {
				break
			}
			n, _ := strconv.Atoi(d.ID)
			d.ID = strconv.Itoa(n + 1)
		}
	}

	if _, exists := r.doc.Servers[d.ID]; !exists {
		r.doc.Order = append(r.doc.Order, d.ID)
	}
	r.doc.Servers[d.ID] = d

	if err := r.persist(); err != nil {
		return domain.ServerDescriptor{}, err
	}

	r.logger.Info("server added", zap.String("id", d.ID), zap.String("name", d.Name), zap.String("uri", d.URI))
	return d, nil
}

// Remove deletes a descriptor by id. Removing an id that does not exist is
// a no-op.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doc.Servers[id]; !ok {
		return nil
	}
	delete(r.doc.Servers, id)

	order := r.doc.Order[:0:0]
	for _, existing := range r.doc.Order {
		if existing != id {
			order = append(order, existing)
		}
	}
	r.doc.Order = order

	if err := r.persist(); err != nil {
		return err
	}
	r.logger.Info("server removed", zap.String("id", id))
	return nil
}

// persist writes the document to disk atomically: write to a temp file in
// the same directory, then rename over the target. Must be called with mu
// held.
func (r *Registry) persist() error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("registry: create dir %s: %w", dir, err)
	}

	// Keep Order free of duplicates and stable-sorted against the map so a
	// hand-edited file that dropped Order still round-trips sensibly.
	if len(r.doc.Order) != len(r.doc.Servers) {
		order := make([]string, 0, len(r.doc.Servers))
		for id := range r.doc.Servers {
			order = append(order, id)
		}
		sort.Strings(order)
		r.doc.Order = order
	}

	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "servers.*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
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
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("registry: rename temp file: %w", err)
	}
	ok = true
	return nil
}
