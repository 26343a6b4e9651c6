package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rendis/artgen/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state"), nil)
	require.NoError(t, err)
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	out := map[string]any{"content": "brief", "items": []any{"a", "b"}}

	require.NoError(t, s.Put("concept", "", out, nil, 0.02))

	assert.True(t, s.IsCached("concept", ""))
	got, ok := s.Get("concept", "")
	require.True(t, ok)
	assert.Equal(t, out, got)

	e, ok := s.Entry("concept", "")
	require.True(t, ok)
	assert.Equal(t, "concept/output.json", e.OutputPath)
	assert.Equal(t, []string{}, e.OutputFiles)
	assert.InDelta(t, 0.02, e.CostUSD, 1e-9)
}

func TestStore_PutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("render", "archer", "v1", nil, 0))
	require.NoError(t, s.Put("render", "archer", "v1", nil, 0))

	got, ok := s.Get("render", "archer")
	require.True(t, ok)
	assert.Equal(t, "v1", got)
	assert.Equal(t, []string{"archer"}, s.CompletedAssets("render"))
}

func TestStore_PayloadLayout(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("render", "archer", map[string]any{"path": "x.png"}, nil, 0.5))

	raw, err := os.ReadFile(filepath.Join(s.Dir(), "render", "archer", "output.json"))
	require.NoError(t, err)

	var p map[string]any
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "render", p["step_id"])
	assert.Equal(t, "archer", p["asset_id"])
	assert.Equal(t, 0.5, p["cost_usd"])
	assert.NotEmpty(t, p["timestamp"])

	require.NoError(t, s.Put("concept", "", "x", nil, 0))
	raw, err = os.ReadFile(filepath.Join(s.Dir(), "concept", "output.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Nil(t, p["asset_id"])
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s1, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Put("concept", "", "brief", nil, 0.1))

	s2, err := Open(dir, nil)
	require.NoError(t, err)
	assert.True(t, s2.IsCached("concept", ""))
	assert.InDelta(t, 0.1, s2.TotalCost(), 1e-9)

	e, ok := s2.Entry("concept", "")
	require.True(t, ok)
	assert.Equal(t, []string{}, e.OutputFiles)
	raw, err := os.ReadFile(filepath.Join(dir, IndexFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"output_files": null`)
}

func TestStore_MissingPayloadIsNotCached(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("render", "archer", "v", nil, 0))
	require.NoError(t, os.Remove(filepath.Join(s.Dir(), "render", "archer", "output.json")))

	assert.False(t, s.IsCached("render", "archer"))
	assert.Empty(t, s.CompletedAssets("render"))
}

func TestStore_MissingOutputFileIsNotCached(t *testing.T) {
	s := newTestStore(t)
	art := filepath.Join(s.Dir(), "archer.png")
	require.NoError(t, os.WriteFile(art, []byte("png"), 0o644))

	require.NoError(t, s.Put("render", "archer", "v", []string{"archer.png"}, 0))
	require.NoError(t, s.Put("render", "mage", "v", []string{art}, 0))
	assert.True(t, s.IsCached("render", "archer"))
	assert.True(t, s.IsCached("render", "mage"))

	require.NoError(t, os.Remove(art))
	assert.False(t, s.IsCached("render", "archer"))
	assert.False(t, s.IsCached("render", "mage"))
}

func TestStore_PendingAssetsKeepsOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("render", "b", "v", nil, 0))
	require.NoError(t, s.Put("render", "d", "v", nil, 0))
	require.NoError(t, s.Put("other", "a", "v", nil, 0))

	assert.Equal(t, []string{"e", "a", "c"}, s.PendingAssets("render", []string{"e", "b", "a", "c", "d"}))
	assert.Equal(t, []string{"b", "d"}, s.CompletedAssets("render"))
}

func TestStore_Invalidate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("render", "a", "v", nil, 0))
	require.NoError(t, s.Put("render", "b", "v", nil, 0))

	require.NoError(t, s.Invalidate("render", "a"))
	require.NoError(t, s.Invalidate("render", "missing"))
	assert.False(t, s.IsCached("render", "a"))
	assert.True(t, s.IsCached("render", "b"))

	_, err := s.CheckSpecChanged("h1")
	require.NoError(t, err)
	require.NoError(t, s.InvalidateAll())
	assert.False(t, s.IsCached("render", "b"))
	assert.Equal(t, "", s.PipelineHash())
}

func TestStore_CheckSpecChanged(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("concept", "", "v", nil, 0))

	changed, err := s.CheckSpecChanged("aaaa")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.CheckSpecChanged("aaaa")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.CheckSpecChanged("bbbb")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "bbbb", s.PipelineHash())

	// A changed spec never drops cached entries.
	assert.True(t, s.IsCached("concept", ""))
}

func TestStore_CorruptIndexStartsFresh(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFile), []byte("{not json"), 0o644))

	s, err := Open(dir, nil)
	require.NoError(t, err)
	assert.False(t, s.IsCached("anything", ""))
	require.NoError(t, s.Put("concept", "", "v", nil, 0))
	assert.True(t, s.IsCached("concept", ""))
}

func TestStore_ShouldSkip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("concept", "", "v", nil, 0))

	assert.True(t, s.ShouldSkip(schema.CacheOn, "concept", ""))
	assert.True(t, s.ShouldSkip(schema.CacheSkipExisting, "concept", ""))
	assert.False(t, s.ShouldSkip(schema.CacheOff, "concept", ""))
	assert.False(t, s.ShouldSkip(schema.CacheOn, "render", "x"))
}

func TestStore_UnsafeIDsStayInsideStateDir(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("render", "../escape", "v", nil, 0))

	e, ok := s.Entry("render", "../escape")
	require.True(t, ok)
	assert.NotContains(t, e.OutputPath, "..")
	assert.True(t, s.IsCached("render", "../escape"))
}

func TestStore_ConcurrentPuts(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Put("render", id, id, nil, 0.25); err != nil {
				t.Errorf("put %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, ids, s.CompletedAssets("render"))
	assert.InDelta(t, 2.0, s.TotalCost(), 1e-9)

	reopened, err := Open(s.Dir(), nil)
	require.NoError(t, err)
	assert.Len(t, reopened.CompletedAssets("render"), len(ids))
}
