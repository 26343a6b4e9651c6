package steps

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rendis/artgen/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestShell_JSONStdout(t *testing.T) {
	requireShell(t)
	res, err := builtin(t, "shell").Execute(context.Background(), map[string]any{
		"command": `printf '{"candidates":["a","b"],"asset":"%s"}' "$ARTGEN_ASSET_ID"`,
	}, ExecContext{StateDir: t.TempDir(), Asset: schema.AssetRecord{"id": "hero"}})
	require.NoError(t, err)

	out := res.Output.(map[string]any)
	assert.Equal(t, "hero", out["asset"])
	assert.Equal(t, []any{"a", "b"}, res.Candidates)
}

func TestShell_PlainStdoutAndEnv(t *testing.T) {
	requireShell(t)
	res, err := builtin(t, "shell").Execute(context.Background(), map[string]any{
		"command": `echo "$GREETING $ARTGEN_STEP_ID"`,
		"env":     map[string]any{"GREETING": "hello"},
	}, ExecContext{StepID: "describe", StateDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "hello describe", res.Output)
}

func TestShell_OutputFiles(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	res, err := builtin(t, "shell").Execute(context.Background(), map[string]any{
		"command":      `touch one.png two.png notes.txt`,
		"output_files": []any{"*.png"},
	}, ExecContext{StateDir: dir})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{filepath.Join(dir, "one.png"), filepath.Join(dir, "two.png")}, res.OutputFiles)
}

func TestShell_Variations(t *testing.T) {
	requireShell(t)
	res, err := builtin(t, "shell").Execute(context.Background(), map[string]any{
		"command":     `echo "v$ARTGEN_VARIATION"`,
		KeyVariations: 2,
	}, ExecContext{StateDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, []any{"v0", "v1"}, res.Candidates)
}

func TestShell_Failures(t *testing.T) {
	requireShell(t)
	e := builtin(t, "shell")

	_, err := e.Execute(context.Background(), map[string]any{"command": "echo boom >&2; exit 3"}, ExecContext{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")

	_, err = e.Execute(context.Background(), map[string]any{"command": "sleep 5", "timeout": "50ms"}, ExecContext{})
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))

	_, err = e.Execute(context.Background(), map[string]any{}, ExecContext{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestLimitedWriter(t *testing.T) {
	var buf []byte
	w := &limitedWriter{w: writerFunc(func(p []byte) (int, error) {
		buf = append(buf, p...)
		return len(p), nil
	}), limit: 4}
	n, err := w.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	n, _ = w.Write([]byte("gh"))
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcd", string(buf))
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
