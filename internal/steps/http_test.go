package steps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rendis/artgen/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP_PostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": body["prompt"], "images": []any{"a.png", "b.png"}})
	}))
	defer srv.Close()
	t.Setenv("ARTGEN_TEST_TOKEN", "s3cret")

	e := builtin(t, "http")
	res, err := e.Execute(context.Background(), map[string]any{
		"url":              srv.URL,
		"body":             map[string]any{"prompt": "a red dragon"},
		"auth":             map[string]any{"type": "bearer", "token_env": "ARTGEN_TEST_TOKEN"},
		"candidates_field": "images",
		"cost_usd":         0.04,
	}, ExecContext{})
	require.NoError(t, err)

	out := res.Output.(map[string]any)
	assert.Equal(t, 200, out["status_code"])
	assert.Equal(t, "a red dragon", out["body"].(map[string]any)["echo"])
	assert.Equal(t, []any{"a.png", "b.png"}, res.Candidates)
	assert.InDelta(t, 0.04, res.CostUSD, 1e-9)
}

func TestHTTP_Variations(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("plain"))
	}))
	defer srv.Close()

	res, err := builtin(t, "http").Execute(context.Background(), map[string]any{
		"url":         srv.URL,
		KeyVariations: 3,
		"cost_usd":    0.5,
	}, ExecContext{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, "plain", res.Candidates[0].(map[string]any)["body"])
	assert.InDelta(t, 1.5, res.CostUSD, 1e-9)
}

func TestHTTP_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusTooManyRequests, schema.ErrCodeRateLimited},
		{http.StatusBadGateway, schema.ErrCodeProvider},
		{http.StatusBadRequest, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := builtin(t, "http").Execute(context.Background(), map[string]any{"url": srv.URL}, ExecContext{})
			require.Error(t, err)
			assert.Equal(t, tt.code, schema.CodeOf(err))
		})
	}
}

func TestHTTP_SaveAs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	dir := t.TempDir()
	res, err := builtin(t, "http").Execute(context.Background(), map[string]any{
		"url":     srv.URL,
		"save_as": "{asset}-{variation}.png",
	}, ExecContext{StepID: "render", StateDir: dir, Asset: schema.AssetRecord{"id": "hero"}})
	require.NoError(t, err)

	want := filepath.Join(dir, "render", "hero-0.png")
	assert.Equal(t, []string{want}, res.OutputFiles)
	assert.Equal(t, want, res.Output.(map[string]any)["path"])
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
}

func TestHTTP_ValidateConfig(t *testing.T) {
	v := builtin(t, "http").(ConfigValidator)
	assert.Error(t, v.ValidateConfig(map[string]any{}))
	assert.Error(t, v.ValidateConfig(map[string]any{"url": "ftp://example.com"}))
	assert.Error(t, v.ValidateConfig(map[string]any{"url": "https://example.com", "body_encoding": "xml"}))
	assert.NoError(t, v.ValidateConfig(map[string]any{"url": "https://example.com/gen"}))
	assert.NoError(t, v.ValidateConfig(map[string]any{"url": "{context.endpoint}/gen"}))
}

func TestHTTP_FormBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "PUT", r.Method)
		assert.Equal(t, "3", r.PostForm.Get("n"))
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := builtin(t, "http").Execute(context.Background(), map[string]any{
		"url":           srv.URL,
		"method":        "put",
		"body":          map[string]any{"n": 3},
		"body_encoding": "form",
		"auth":          map[string]any{"type": "api_key", "token": "k", "header_name": "X-Api-Key"},
	}, ExecContext{})
	require.NoError(t, err)
	assert.Nil(t, res.Output.(map[string]any)["body"])
}
