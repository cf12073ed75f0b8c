package media

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectKind(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Kind
	}{
		{"zip", []byte("PK\x03\x04rest"), KindZip},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, KindJPEG},
		{"png", []byte("\x89PNG\r\n\x1a\n...."), KindPNG},
		{"gif", []byte("GIF89a...."), KindGIF},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), KindWebP},
		{"mp4", []byte("\x00\x00\x00\x18ftypisom"), KindMP4},
		{"mov", []byte("\x00\x00\x00\x14ftypqt  "), KindMOV},
		{"heic", []byte("\x00\x00\x00\x18ftypheic"), KindHEIC},
		{"html error page", []byte("<html><body>expired"), KindUnknown},
		{"empty", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectKind(tt.data))
		})
	}

	assert.Equal(t, ".jpg", KindJPEG.Extension(".mp4"))
	assert.Equal(t, ".mp4", KindUnknown.Extension(".mp4"))
	assert.True(t, IsVideoExt("clip.MOV"))
	assert.True(t, IsImageExt(".jpeg"))
	assert.False(t, IsImageExt("clip.mp4"))
}

func zipOf(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestOpenBundle(t *testing.T) {
	t.Run("main and overlay", func(t *testing.T) {
		data := zipOf(t, map[string][]byte{
			"abc-main.mp4":    []byte("video"),
			"abc-OVERLAY.png": []byte("overlay"),
		})
		b, err := OpenBundle(data)
		require.NoError(t, err)
		require.True(t, b.HasOverlay())
		assert.Equal(t, ".mp4", b.Main.Ext)
		assert.Equal(t, []byte("overlay"), b.Overlay.Data)
	})

	t.Run("main only", func(t *testing.T) {
		b, err := OpenBundle(zipOf(t, map[string][]byte{"abc.jpg": []byte("img")}))
		require.NoError(t, err)
		assert.False(t, b.HasOverlay())
		assert.Equal(t, "abc.jpg", b.Main.Name)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := OpenBundle([]byte("PK not really a zip"))
		assert.ErrorIs(t, err, ErrContainer)
	})
}

func TestSafeStem(t *testing.T) {
	assert.Equal(t, "2021.06.01-12.30.00", SafeStem("2021.06.01-12:30:00"))
	assert.Equal(t, "a_b_c", SafeStem("a<b>c"))
	assert.Equal(t, "name", SafeStem("name. . "))
	assert.Equal(t, "file", SafeStem("   "))
	assert.Equal(t, "_CON", SafeStem("con"))
	assert.Equal(t, "_LPT1.txt", SafeStem("LPT1.txt"))
	assert.Equal(t, "tab_here", SafeStem("tab\there"))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "07.jpg", FileName("2021-06-01 12:30:00 UTC", ".jpg", false, 7))
	assert.Equal(t, "123.mp4", FileName("", ".mp4", false, 123))
	assert.Equal(t, "2021.06.01-12.30.00.jpg", FileName("2021-06-01 12:30:00 UTC", ".jpg", true, 7))
	assert.Equal(t, "07.jpg", FileName("Unknown", ".jpg", true, 7))

	assert.Equal(t, "07-main.mp4", SplitName("07.mp4", "main"))
	assert.Equal(t, "2021.06.01-12.30.00-overlay.png", SplitName("2021.06.01-12.30.00.png", "overlay"))
}

func TestCaptureTime(t *testing.T) {
	ts, ok := ParseCaptureTime("2021-06-01 12:30:00 UTC")
	require.True(t, ok)
	assert.Equal(t, time.Date(2021, 6, 1, 12, 30, 0, 0, time.UTC), ts)

	_, ok = ParseCaptureTime("Unknown")
	assert.False(t, ok)

	path := filepath.Join(t.TempDir(), "f.jpg")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, StampFile(path, ts))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(ts))
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCompositorMergeImage(t *testing.T) {
	main := solidPNG(t, 8, 8, color.RGBA{R: 255, A: 255})
	overlay := solidPNG(t, 4, 4, color.RGBA{B: 255, A: 255})

	out, err := NewCompositor().MergeImage(main, overlay)
	require.NoError(t, err)
	assert.Equal(t, KindPNG, DetectKind(out))

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	r, _, b, _ := img.At(4, 4).RGBA()
	assert.Zero(t, r)
	assert.NotZero(t, b)

	_, err = NewCompositor().MergeImage([]byte("junk"), overlay)
	assert.Error(t, err)
}
