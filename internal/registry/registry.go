// Package registry implements A4: a durable (queue name → metadata) store
// backing the distributed queue service's createQueue/deleteQueue/listQueues
// operations. The governing specification does not say where queue metadata
// lives; this resolves that silence by persisting it the same way the donor
// codebase persists its namespace registry — an in-memory map backed by a
// JSON file, written atomically via write-then-rename.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// nameRe validates queue names: 1-64 chars, lowercase letters/digits/hyphens,
// must start with a letter or digit.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

var (
	ErrNotFound      = errors.New("registry: not found")
	ErrAlreadyExists = errors.New("registry: already exists")
	ErrInvalidName   = errors.New("registry: invalid name")
)

// QueueDef is the durable metadata record for one queue.
type QueueDef struct {
	Name              string   `json:"name"`
	PrimaryRegion     string   `json:"primary_region"`
	ReplicaRegions    []string `json:"replica_regions"`
	InflightTimeoutMs int64    `json:"inflight_timeout_ms"`
	DeliveryDelayMs   int64    `json:"delivery_delay_ms"`
	ShardMaxSize      int64    `json:"shard_max_size"`
	CreatedAt         int64    `json:"created_at"`
}

// Regions returns every region this queue is replicated to, primary first.
func (q *QueueDef) Regions() []string {
	out := make([]string, 0, 1+len(q.ReplicaRegions))
	out = append(out, q.PrimaryRegion)
	out = append(out, q.ReplicaRegions...)
	return out
}

// Registry is the in-memory + on-disk store of queue definitions.
type Registry struct {
	mu       sync.RWMutex
	queues   map[string]*QueueDef
	filePath string
}

// New creates a Registry and loads any previously persisted queues from
// dataDir/queues.json. If the file doesn't exist the registry starts empty.
func New(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("registry: create data dir: %w", err)
	}

	r := &Registry{
		queues:   make(map[string]*QueueDef),
		filePath: filepath.Join(dataDir, "queues.json"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Create registers def. Idempotent on a duplicate name: a second Create
// with the same name is a no-op success rather than ErrAlreadyExists,
// matching C8's "registers queue metadata; idempotent on duplicates."
func (r *Registry) Create(def *QueueDef) error {
	if !nameRe.MatchString(def.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[def.Name]; ok {
		return nil
	}

	cp := *def
	cp.CreatedAt = time.Now().UnixMilli()
	r.queues[def.Name] = &cp
	return r.save()
}

// Delete removes a queue's metadata. Returns ErrNotFound if it is absent.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.queues, name)
	return r.save()
}

// Get returns the QueueDef for name, or ErrNotFound.
func (r *Registry) Get(name string) (*QueueDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	cp := *def
	return &cp, nil
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.queues[name]
	return ok
}

// List returns every registered queue sorted by name.
func (r *Registry) List() []*QueueDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*QueueDef, 0, len(r.queues))
	for _, def := range r.queues {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateName reports whether name is a valid queue name.
func ValidateName(name string) bool { return nameRe.MatchString(name) }

// ─── Persistence ──────────────────────────────────────────────────────────────

type fileModel struct {
	Queues []*QueueDef `json:"queues"`
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("registry: read %s: %w", r.filePath, err)
	}

	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.filePath, err)
	}
	for _, def := range m.Queues {
		r.queues[def.Name] = def
	}
	return nil
}

// save writes the current registry to disk atomically. Must be called with
// mu held.
func (r *Registry) save() error {
	defs := make([]*QueueDef, 0, len(r.queues))
	for _, def := range r.queues {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	data, err := json.MarshalIndent(fileModel{Queues: defs}, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("registry: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("registry: rename to %s: %w", r.filePath, err)
	}
	return nil
}
