package membership

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegistry(t *testing.T) {
	registry := NewStatic("repo-a", " repo-b ", "")
	assert.True(t, registry.IsKnownSource("repo-a"))
	assert.True(t, registry.IsKnownSource("repo-b"))
	assert.False(t, registry.IsKnownSource(""))
	assert.False(t, registry.IsKnownSource("repo-c"))

	var nilRegistry *Static
	assert.False(t, nilRegistry.IsKnownSource("repo-a"))
}

func TestParseCohort(t *testing.T) {
	members, err := ParseCohort([]byte(`
cohort: finance
members:
  - id: repo-a
    name: Data catalog
  - id: repo-b
    disabled: true
`))
	require.NoError(t, err)
	assert.Contains(t, members, "repo-a")
	assert.NotContains(t, members, "repo-b")

	_, err = ParseCohort([]byte("members:\n  - name: missing id\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseCohort([]byte("members: [\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFileRegistryReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cohort.yaml")
	require.NoError(t, os.WriteFile(path, []byte("members:\n  - id: repo-a\n"), 0o644))

	var reloads atomic.Int32
	registry, err := NewFileRegistry(path, FileRegistryOptions{
		Debounce: 10 * time.Millisecond,
		OnReload: func(int) { reloads.Add(1) },
	})
	require.NoError(t, err)
	assert.True(t, registry.IsKnownSource("repo-a"))
	assert.False(t, registry.IsKnownSource("repo-b"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	watchErr := make(chan error, 1)
	go func() { watchErr <- registry.Watch(ctx) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("members:\n  - id: repo-a\n  - id: repo-b\n"), 0o644)
		return registry.IsKnownSource("repo-b")
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"repo-a", "repo-b"}, registry.Members())
	assert.GreaterOrEqual(t, reloads.Load(), int32(2))

	// a broken edit keeps the previous members
	require.NoError(t, os.WriteFile(path, []byte("members: [\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, registry.IsKnownSource("repo-b"))

	registry.Stop()
	select {
	case err := <-watchErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestNewFileRegistryRequiresReadableFile(t *testing.T) {
	_, err := NewFileRegistry("", FileRegistryOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewFileRegistry(filepath.Join(t.TempDir(), "missing.yaml"), FileRegistryOptions{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
