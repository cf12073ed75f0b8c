package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"memfetch/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	r := &Runner{bin: "ffmpeg", encoder: DefaultEncoder, extraArgs: []string{"-threads", "2"}}

	t.Run("image overlay loops", func(t *testing.T) {
		args := r.BuildArgs("main.mp4", "overlay.png", "out.mp4", DefaultEncoder, true)
		joined := strings.Join(args, " ")
		assert.Contains(t, joined, "-loop 1 -i overlay.png")
		assert.Contains(t, joined, "-c:a copy")
		assert.Contains(t, joined, "-preset medium -crf 23")
		assert.Equal(t, "out.mp4", args[len(args)-1])
		assert.Equal(t, []string{"-threads", "2"}, args[len(args)-3:len(args)-1])
	})

	t.Run("video overlay and aac fallback", func(t *testing.T) {
		args := r.BuildArgs("main.mp4", "overlay.mov", "out.mp4", "h264_nvenc", false)
		joined := strings.Join(args, " ")
		assert.NotContains(t, joined, "-loop")
		assert.Contains(t, joined, "-c:a aac -b:a 192k")
		assert.Contains(t, joined, "-rc vbr -cq 23 -preset p4")
	})
}

func TestRunnerEncoders(t *testing.T) {
	assert.Equal(t, []string{"libx264"}, (&Runner{encoder: "libx264"}).encoders())
	assert.Equal(t, []string{"h264_qsv", "libx264"}, (&Runner{encoder: "h264_qsv"}).encoders())
}

func TestNewRunner(t *testing.T) {
	t.Run("missing binary", func(t *testing.T) {
		_, err := NewRunner(&config.Config{FFBin: "definitely-not-ffmpeg-here"}, nil)
		assert.Error(t, err)
	})

	t.Run("rejects unsafe extra args", func(t *testing.T) {
		bin, err := exec.LookPath("sh")
		if err != nil {
			t.Skip("no sh available")
		}
		_, err = NewRunner(&config.Config{FFBin: bin, FFExtraArgs: "-map 0:v"}, nil)
		assert.Error(t, err)
	})
}

func TestMergeVideo_FailureLeavesNoOutput(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("no false binary available")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	r, err := NewRunner(&config.Config{FFBin: bin, FFTimeout: 5 * time.Second, FFEncoder: "h264_qsv"}, nil)
	require.NoError(t, err)

	err = r.MergeVideo(context.Background(), filepath.Join(dir, "a.mp4"), filepath.Join(dir, "b.png"), out)
	assert.Error(t, err)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestConcatList(t *testing.T) {
	list, err := concatList([]string{"/videos/a.mp4", "/videos/it's.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "file '/videos/a.mp4'\nfile '/videos/it'\\''s.mp4'\n", list)

	args := (&Runner{}).BuildConcatArgs("list.txt", "out.mp4")
	assert.Contains(t, strings.Join(args, " "), "-f concat -safe 0 -i list.txt -c copy")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

func TestJoinVideos_FailureLeavesNoOutput(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("no false binary available")
	}
	dir := t.TempDir()
	r, err := NewRunner(&config.Config{FFBin: bin, FFTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	out := filepath.Join(dir, "joined.mp4")

	err = r.JoinVideos(context.Background(), []string{filepath.Join(dir, "a.mp4"), filepath.Join(dir, "b.mp4")}, out)
	require.Error(t, err)
	assert.NoFileExists(t, out)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the concat list is removed")

	assert.Error(t, r.JoinVideos(context.Background(), []string{"only.mp4"}, out))
}

func TestSummarizeOutput(t *testing.T) {
	out := "ffmpeg version 6\nInput #0\n[h264] Error while decoding\nConversion failed!\n"
	summary := SummarizeOutput(out)
	assert.Contains(t, summary, "Error while decoding")
	assert.Contains(t, summary, "Conversion failed!")
	assert.Empty(t, SummarizeOutput("  \n"))
}
