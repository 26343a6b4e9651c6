package assets

import (
	"sync"
	"testing"

	"github.com/rendis/artgen/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CopiesInOut(t *testing.T) {
	initial := schema.Collections{"assets": {{"id": "archer"}, {"name": "no id"}}}
	s := NewStore(initial)
	initial["assets"][0]["id"] = "changed"

	recs, ok := s.Get("assets")
	require.True(t, ok)
	assert.Equal(t, "archer", recs[0].ID())
	assert.Equal(t, "asset-1", recs[1].ID())

	recs[0]["name"] = "mutated"
	again, _ := s.Get("assets")
	assert.Nil(t, again[0]["name"])

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStore_SetAndFields(t *testing.T) {
	s := NewStore(nil)
	assert.False(t, s.Has("cards"))

	s.Set("cards", []schema.AssetRecord{{"id": "c1"}, {"id": "c2"}})
	s.Set("assets", []schema.AssetRecord{{"id": "c1"}})
	assert.Equal(t, []string{"assets", "cards"}, s.Names())

	assert.True(t, s.SetField("c1", "art", "c1.png"))
	assert.False(t, s.SetField("zz", "art", "x"))

	snap := s.Snapshot()
	assert.Equal(t, "c1.png", snap["cards"][0]["art"])
	assert.Equal(t, "c1.png", snap["assets"][0]["art"])
	assert.Nil(t, snap["cards"][1]["art"])
}

func TestStore_ConcurrentFieldWrites(t *testing.T) {
	recs := make([]schema.AssetRecord, 20)
	for i := range recs {
		recs[i] = schema.AssetRecord{"id": Slug(string(rune('a' + i)))}
	}
	s := NewStore(schema.Collections{"assets": recs})

	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.SetField(id, "done", true)
			_ = s.Snapshot()
		}(recs[i].ID())
	}
	wg.Wait()

	got, _ := s.Get("assets")
	for _, r := range got {
		assert.Equal(t, true, r["done"], r.ID())
	}
}
