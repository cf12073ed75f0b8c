// memfetch/config/config_test.go
package config_test

import (
	"testing"
	"time"

	"memfetch/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		t.Setenv("MEMFETCH_JOBS", "")
		t.Setenv("MEMFETCH_MODE", "")
		t.Setenv("MEMFETCH_FF_TIMEOUT", "")
		t.Setenv("MEMFETCH_MAX_DOWNLOAD_SIZE", "")

		cfg, err := config.Load(nil)
		require.NoError(t, err)

		assert.Equal(t, "memories", cfg.OutputDir)
		assert.Equal(t, "all", cfg.Mode)
		assert.Equal(t, 5, cfg.Jobs)
		assert.Equal(t, "ffmpeg", cfg.FFBin)
		assert.Equal(t, 10*time.Minute, cfg.FFTimeout)
		assert.Equal(t, 300*time.Millisecond, cfg.MonitorInterval)
		assert.Equal(t, int64(2*1024*1024*1024), cfg.MaxDownloadSize)
		assert.Equal(t, int64(200*1024*1024), cfg.ThrottleFreeDisk)
		assert.False(t, cfg.MergeOverlays)
		assert.True(t, cfg.EmbedMetadata)
		assert.False(t, cfg.JoinMultiSnaps)
		assert.Empty(t, cfg.MergeExisting)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("MEMFETCH_JOBS", "12")
		t.Setenv("MEMFETCH_MODE", "resume")
		t.Setenv("MEMFETCH_MERGE_OVERLAYS", "true")
		t.Setenv("MEMFETCH_MAX_DOWNLOAD_SIZE", "50MB")

		cfg, err := config.Load(nil)
		require.NoError(t, err)

		assert.Equal(t, 12, cfg.Jobs)
		assert.Equal(t, "resume", cfg.Mode)
		assert.True(t, cfg.MergeOverlays)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxDownloadSize)
	})

	t.Run("flags take precedence over environment", func(t *testing.T) {
		t.Setenv("MEMFETCH_MODE", "resume")

		fs := config.Flags("memfetch")
		require.NoError(t, fs.Parse([]string{"--mode", "retry-failed", "--jobs", "3", "--dedupe"}))

		cfg, err := config.Load(fs)
		require.NoError(t, err)

		assert.Equal(t, "retry-failed", cfg.Mode)
		assert.Equal(t, 3, cfg.Jobs)
		assert.True(t, cfg.RemoveDuplicates)
	})

	t.Run("post-processing flags", func(t *testing.T) {
		fs := config.Flags("memfetch")
		require.NoError(t, fs.Parse([]string{"--exif=false", "--join-multi-snaps", "--merge-existing", "old-export"}))

		cfg, err := config.Load(fs)
		require.NoError(t, err)

		assert.False(t, cfg.EmbedMetadata)
		assert.True(t, cfg.JoinMultiSnaps)
		assert.Equal(t, "old-export", cfg.MergeExisting)
	})

	t.Run("rejects an unknown run mode", func(t *testing.T) {
		t.Setenv("MEMFETCH_MODE", "everything")

		_, err := config.Load(nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("rejects a jobs value above the hard cap", func(t *testing.T) {
		t.Setenv("MEMFETCH_MODE", "")
		t.Setenv("MEMFETCH_JOBS", "50")

		_, err := config.Load(nil)
		assert.Error(t, err)
	})
}
