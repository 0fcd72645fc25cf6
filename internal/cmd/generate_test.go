package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljc0311/clipforge/pkg/manifest"
)

func planManifest() *manifest.Manifest {
	m := &manifest.Manifest{
		Version: "1.0",
		Engines: []manifest.EngineConfig{
			{ID: "seedance", Adapter: "ark", MaxClipDuration: 10, Priority: 1},
			{ID: "cogvideox", Adapter: "glm", MaxClipDuration: 6, Priority: 2, Free: true},
		},
		Scenes: []manifest.SceneConfig{
			{ID: "scene-1", Prompt: "a harbor at dawn", NarrationDuration: 23},
		},
	}
	m.ApplyDefaults()
	return m
}

func TestPlanEngine(t *testing.T) {
	m := planManifest()

	t.Run("defaults to best priority engine", func(t *testing.T) {
		ec, err := planEngine(m, m.Scenes[0])
		require.NoError(t, err)
		assert.Equal(t, "seedance", ec.ID)
		assert.Equal(t, 10.0, ec.MaxClipDuration)
	})

	t.Run("preferred engine wins", func(t *testing.T) {
		sc := m.Scenes[0]
		sc.PreferredEngine = "cogvideox"
		ec, err := planEngine(m, sc)
		require.NoError(t, err)
		assert.Equal(t, "cogvideox", ec.ID)
	})

	t.Run("unknown preferred engine fails", func(t *testing.T) {
		sc := m.Scenes[0]
		sc.PreferredEngine = "sora"
		_, err := planEngine(m, sc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sora")
	})
}

func TestShowGeneratePlan(t *testing.T) {
	// Durations are given inline, so the plan needs no ffprobe.
	err := showGeneratePlan(context.Background(), planManifest())
	assert.NoError(t, err)
}

func TestPrintSummary(t *testing.T) {
	t.Run("all succeeded", func(t *testing.T) {
		err := printSummary([]sceneOutcome{
			{sceneID: "scene-1", path: "/out/scene-1.mp4"},
			{sceneID: "scene-2", path: "/out/scene-2.mp4", artifact: "s3://b/scene-2.mp4"},
		})
		assert.NoError(t, err)
	})

	t.Run("failure propagates", func(t *testing.T) {
		err := printSummary([]sceneOutcome{
			{sceneID: "scene-1", path: "/out/scene-1.mp4"},
			{sceneID: "scene-2", err: errors.New("all engines exhausted")},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 scene(s) failed")
	})
}
