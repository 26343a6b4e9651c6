// Package cache checkpoints step outputs on disk so reruns skip finished work.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/pkg/schema"
)

// IndexFile is the name of the index kept in the state directory.
const IndexFile = "pipeline_state.json"

const payloadFile = "output.json"

// Entry is the index record for one cached unit of work.
type Entry struct {
	Completed   bool     `json:"completed"`
	CompletedAt string   `json:"completed_at"`
	OutputPath  string   `json:"output_path"`
	OutputFiles []string `json:"output_files"`
	CostUSD     float64  `json:"cost_usd"`
}

// Payload is the on-disk body of a cached output.
type Payload struct {
	StepID    string  `json:"step_id"`
	AssetID   *string `json:"asset_id"`
	Timestamp string  `json:"timestamp"`
	Data      any     `json:"data"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

type index struct {
	PipelineHash *string          `json:"pipeline_hash"`
	UpdatedAt    string           `json:"updated_at"`
	Steps        map[string]Entry `json:"steps"`
}

// Store is the file-backed checkpoint store for one state directory.
// Index writes are serialized; payloads are written to a temp file and
// renamed before the index references them.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	idx index
}

// Open creates the state directory if needed and loads its index. A
// corrupt index is discarded and the store starts empty.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCache, "create state dir %s: %s", dir, err.Error()).WithCause(err)
	}
	s := &Store{
		dir:    dir,
		logger: logging.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
		idx:    index{Steps: map[string]Entry{}},
	}
	s.load()
	return s, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) load() {
	data, err := os.ReadFile(filepath.Join(s.dir, IndexFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cache index unreadable, starting fresh", slog.String("error", err.Error()))
		}
		return
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Warn("cache index corrupt, starting fresh",
			slog.String("path", filepath.Join(s.dir, IndexFile)),
			slog.String("error", err.Error()))
		return
	}
	if idx.Steps == nil {
		idx.Steps = map[string]Entry{}
	}
	s.idx = idx
}

// saveLocked writes the index atomically. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	s.idx.UpdatedAt = s.now().Format(time.RFC3339Nano)
	data, err := json.MarshalIndent(s.idx, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCache, "encode cache index: %s", err.Error()).WithCause(err)
	}
	return writeAtomic(filepath.Join(s.dir, IndexFile), data)
}

// CheckSpecChanged compares hash with the recorded pipeline hash. The
// first call records it and reports false; a different hash is recorded
// and reported as changed. Cached entries are never invalidated here.
func (s *Store) CheckSpecChanged(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idx.PipelineHash != nil && *s.idx.PipelineHash == hash {
		return false, nil
	}
	changed := s.idx.PipelineHash != nil
	h := hash
	s.idx.PipelineHash = &h
	return changed, s.saveLocked()
}

// PipelineHash returns the recorded hash, or "".
func (s *Store) PipelineHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx.PipelineHash == nil {
		return ""
	}
	return *s.idx.PipelineHash
}

// IsCached reports whether the key is recorded as completed and every
// file it references still exists.
func (s *Store) IsCached(stepID, assetID string) bool {
	s.mu.Lock()
	e, ok := s.idx.Steps[key(stepID, assetID)]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.valid(e)
}

func (s *Store) valid(e Entry) bool {
	if !e.Completed {
		return false
	}
	if e.OutputPath != "" && !exists(s.resolve(e.OutputPath)) {
		return false
	}
	for _, f := range e.OutputFiles {
		if !exists(s.resolve(f)) {
			return false
		}
	}
	return true
}

// Get returns the cached data for a key.
func (s *Store) Get(stepID, assetID string) (any, bool) {
	s.mu.Lock()
	e, ok := s.idx.Steps[key(stepID, assetID)]
	s.mu.Unlock()
	if !ok || e.OutputPath == "" {
		return nil, false
	}
	raw, err := os.ReadFile(s.resolve(e.OutputPath))
	if err != nil {
		return nil, false
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("cached payload corrupt",
			slog.String("key", key(stepID, assetID)),
			slog.String("error", err.Error()))
		return nil, false
	}
	return p.Data, true
}

// Entry returns the index record for a key.
func (s *Store) Entry(stepID, assetID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.Steps[key(stepID, assetID)]
	return e, ok
}

// Put writes the payload file and then records the key as completed.
func (s *Store) Put(stepID, assetID string, data any, files []string, costUSD float64) error {
	rel := payloadPath(stepID, assetID)
	p := Payload{
		StepID:    stepID,
		Timestamp: s.now().Format(time.RFC3339Nano),
		Data:      data,
		CostUSD:   costUSD,
	}
	if assetID != "" {
		a := assetID
		p.AssetID = &a
	}
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCache, "encode cached output: %s", err.Error()).
			WithStep(stepID).WithAsset(assetID).WithCause(err)
	}

	full := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeCache, "create cache dir: %s", err.Error()).
			WithStep(stepID).WithAsset(assetID).WithCause(err)
	}
	if err := writeAtomic(full, body); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx.Steps[key(stepID, assetID)] = Entry{
		Completed:   true,
		CompletedAt: p.Timestamp,
		OutputPath:  filepath.ToSlash(rel),
		OutputFiles: append([]string{}, files...),
		CostUSD:     costUSD,
	}
	return s.saveLocked()
}

// Invalidate forgets one key. Payload files are left on disk.
func (s *Store) Invalidate(stepID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(stepID, assetID)
	if _, ok := s.idx.Steps[k]; !ok {
		return nil
	}
	delete(s.idx.Steps, k)
	return s.saveLocked()
}

// InvalidateAll forgets every key and the recorded pipeline hash.
func (s *Store) InvalidateAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx.Steps = map[string]Entry{}
	s.idx.PipelineHash = nil
	return s.saveLocked()
}

// CompletedAssets returns the sorted asset IDs with a valid cached output
// for stepID.
func (s *Store) CompletedAssets(stepID string) []string {
	prefix := stepID + ":"
	s.mu.Lock()
	entries := make(map[string]Entry)
	for k, e := range s.idx.Steps {
		if strings.HasPrefix(k, prefix) {
			entries[k[len(prefix):]] = e
		}
	}
	s.mu.Unlock()

	var ids []string
	for id, e := range entries {
		if s.valid(e) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PendingAssets filters ids down to those without a valid cached output,
// preserving input order.
func (s *Store) PendingAssets(stepID string, ids []string) []string {
	done := make(map[string]bool)
	for _, id := range s.CompletedAssets(stepID) {
		done[id] = true
	}
	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	return pending
}

// TotalCost sums the recorded cost of every entry.
func (s *Store) TotalCost() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, e := range s.idx.Steps {
		total += e.CostUSD
	}
	return total
}

// ShouldSkip applies a step's cache policy to one key.
func (s *Store) ShouldSkip(policy schema.CachePolicy, stepID, assetID string) bool {
	switch policy {
	case schema.CacheOn, schema.CacheSkipExisting:
		return s.IsCached(stepID, assetID)
	}
	return false
}

func (s *Store) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.dir, filepath.FromSlash(p))
}

func key(stepID, assetID string) string {
	return schema.CacheKey{StepID: stepID, AssetID: assetID}.String()
}

func payloadPath(stepID, assetID string) string {
	if assetID == "" {
		return filepath.Join(segment(stepID), payloadFile)
	}
	return filepath.Join(segment(stepID), segment(assetID), payloadFile)
}

// segment makes an identifier safe to use as a single path element.
func segment(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	out := r.Replace(id)
	if out == "" || out == "." {
		return "_"
	}
	return out
}

func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCache, "create temp file: %s", err.Error()).WithCause(err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return schema.NewErrorf(schema.ErrCodeCache, "write %s: %s", path, err.Error()).WithCause(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return schema.NewErrorf(schema.ErrCodeCache, "close %s: %s", path, err.Error()).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return schema.NewError(schema.ErrCodeCache, fmt.Sprintf("rename into %s: %s", path, err.Error())).WithCause(err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
