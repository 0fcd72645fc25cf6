package engine

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapDuration(t *testing.T) {
	continuous := Descriptor{ID: "c", MaxClipDuration: 10}
	discrete := Descriptor{ID: "d", MaxClipDuration: 10, SupportedDurations: []float64{5, 10}}

	tests := []struct {
		name string
		desc Descriptor
		in   float64
		want float64
	}{
		{"continuous passthrough", continuous, 7.3, 7.3},
		{"continuous capped at ceiling", continuous, 14, 10},
		{"discrete snaps down", discrete, 6.2, 5},
		{"discrete snaps up", discrete, 8.1, 10},
		{"discrete tie rounds up", discrete, 7.5, 10},
		{"discrete above ceiling", discrete, 30, 10},
		{"discrete exact", discrete, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.desc.SnapDuration(tt.in), 1e-9)
		})
	}
}

func TestPrepareImageRef(t *testing.T) {
	t.Run("empty passes through", func(t *testing.T) {
		got, err := PrepareImageRef("")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("url passes through", func(t *testing.T) {
		got, err := PrepareImageRef("https://cdn.example.com/frame.png")
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/frame.png", got)
	})

	t.Run("data url passes through", func(t *testing.T) {
		in := "data:image/png;base64,AAAA"
		got, err := PrepareImageRef(in)
		require.NoError(t, err)
		assert.Equal(t, in, got)
	})

	t.Run("local file inlined", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "frame.jpg")
		payload := []byte("not-really-a-jpeg")
		require.NoError(t, os.WriteFile(path, payload, 0644))

		got, err := PrepareImageRef(path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got, "data:image/jpeg;base64,"))
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, "data:image/jpeg;base64,"))
		require.NoError(t, err)
		assert.Equal(t, payload, decoded)
	})

	t.Run("missing file is invalid input", func(t *testing.T) {
		_, err := PrepareImageRef(filepath.Join(t.TempDir(), "nope.png"))
		require.Error(t, err)
		assert.True(t, IsInvalidInput(err))
	})

	t.Run("unsupported extension is invalid input", func(t *testing.T) {
		_, err := PrepareImageRef("frame.tga")
		require.Error(t, err)
		assert.True(t, IsInvalidInput(err))
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &fakeEngine{desc: Descriptor{ID: "a", Priority: 2}}
	b := &fakeEngine{desc: Descriptor{ID: "b", Priority: 1}}

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	t.Run("duplicate rejected", func(t *testing.T) {
		err := r.Register(&fakeEngine{desc: Descriptor{ID: "a"}})
		require.Error(t, err)
	})

	t.Run("get", func(t *testing.T) {
		got, ok := r.Get("b")
		require.True(t, ok)
		assert.Equal(t, "b", got.Describe().ID)

		_, ok = r.Get("missing")
		assert.False(t, ok)
	})

	t.Run("all preserves registration order", func(t *testing.T) {
		ids := []string{}
		for _, eng := range r.All() {
			ids = append(ids, eng.Describe().ID)
		}
		assert.Equal(t, []string{"a", "b"}, ids)
	})

	t.Run("descriptors sorted by priority", func(t *testing.T) {
		descs := r.Descriptors()
		require.Len(t, descs, 2)
		assert.Equal(t, "b", descs[0].ID)
		assert.Equal(t, "a", descs[1].ID)
	})
}

func TestErrorClassification(t *testing.T) {
	wrapped := &Error{Op: "Submit", Engine: "x", JobID: "j1", Err: ErrRateLimited}

	assert.True(t, IsRateLimited(wrapped))
	assert.False(t, IsAuth(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Contains(t, wrapped.Error(), "j1")

	assert.True(t, IsRetryable(&Error{Op: "Poll", Engine: "x", Err: assert.AnError}))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrCancelled))
}
