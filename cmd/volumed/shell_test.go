package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/volstream/internal/framestore"
	"github.com/xtxerr/volstream/internal/loader"
)

func newTestShell(t *testing.T) *shell {
	t.Helper()

	synth := framestore.DefaultSynthConfig()
	synth.Frames = 6
	synth.Rows = 8
	synth.Columns = 8
	frames, err := framestore.Synthesize(context.Background(), synth)
	require.NoError(t, err)
	series, err := framestore.NewSeries(frames)
	require.NoError(t, err)

	cfg := loader.DefaultConfig()
	cfg.Prefetch.Debounce = 0

	s, err := newSession(cfg, series, 0, nil)
	require.NoError(t, err)
	t.Cleanup(s.close)

	return &shell{s: s}
}

func TestShellNavigation(t *testing.T) {
	sh := newTestShell(t)

	out, quit := sh.execute("goto 2")
	assert.False(t, quit)
	assert.Contains(t, out, "frame 2")
	assert.Equal(t, 2, sh.current)

	out, _ = sh.execute("next")
	assert.Contains(t, out, "frame 3")

	out, _ = sh.execute("goto 99")
	assert.Contains(t, out, "out of range")
	assert.Equal(t, 3, sh.current)

	out, _ = sh.execute("goto x")
	assert.Contains(t, out, "invalid index")
}

func TestShellCaps(t *testing.T) {
	sh := newTestShell(t)

	out, _ := sh.execute("cap prefetch 2")
	assert.Equal(t, "prefetch: 2", out)

	out, _ = sh.execute("cap prefetch")
	assert.Equal(t, "prefetch: 2", out)

	out, _ = sh.execute("cap bogus 1")
	assert.Contains(t, out, "unknown request category")
}

func TestShellLoadAndDecache(t *testing.T) {
	sh := newTestShell(t)

	out, _ := sh.execute("load interaction -1")
	assert.Contains(t, out, "as interaction")

	require.Eventually(t, sh.s.volume.IsLoaded, 5*time.Second, 5*time.Millisecond)

	out, _ = sh.execute("stats")
	assert.Contains(t, out, "pool:")
	assert.Contains(t, out, "6/6 loaded")

	sh.execute("decache all")
	assert.True(t, sh.s.volume.IsDecached())
}

func TestShellPrefetchToggle(t *testing.T) {
	sh := newTestShell(t)

	out, _ := sh.execute("prefetch off")
	assert.Equal(t, "prefetch disabled", out)

	out, _ = sh.execute("goto 1")
	assert.Contains(t, out, "prefetch is disabled")

	out, _ = sh.execute("prefetch on")
	assert.Equal(t, "prefetch enabled", out)
}

func TestShellUnknownAndExit(t *testing.T) {
	sh := newTestShell(t)

	out, quit := sh.execute("frobnicate")
	assert.False(t, quit)
	assert.Contains(t, out, "unknown command")

	out, quit = sh.execute("")
	assert.Empty(t, out)
	assert.False(t, quit)

	_, quit = sh.execute("exit")
	assert.True(t, quit)
}
