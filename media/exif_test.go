package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	exif "github.com/dsoprea/go-exif/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// exifTags flattens the EXIF of a JPEG into tag name -> value.
func exifTags(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	raw, err := exif.SearchAndExtractExif(data)
	require.NoError(t, err)
	tags, _, err := exif.GetFlatExifData(raw, nil)
	require.NoError(t, err)
	out := make(map[string]interface{}, len(tags))
	for _, tag := range tags {
		out[tag.TagName] = tag.Value
	}
	return out
}

func TestEmbedder(t *testing.T) {
	e := NewEmbedder()

	t.Run("writes capture time and position", func(t *testing.T) {
		out, err := e.EmbedMetadata(solidJPEG(t), "2021-06-01 12:30:00 UTC", "-33.8688", "151.2093")
		require.NoError(t, err)
		assert.Equal(t, KindJPEG, DetectKind(out))

		tags := exifTags(t, out)
		assert.Equal(t, "2021:06:01 12:30:00", tags["DateTimeOriginal"])
		assert.Equal(t, "2021:06:01 12:30:00", tags["DateTime"])
		assert.Equal(t, "S", tags["GPSLatitudeRef"])
		assert.Equal(t, "E", tags["GPSLongitudeRef"])
		assert.Contains(t, tags, "GPSLatitude")
	})

	t.Run("skips unknown location", func(t *testing.T) {
		out, err := e.EmbedMetadata(solidJPEG(t), "2021-06-01 12:30:00 UTC", "Unknown", "Unknown")
		require.NoError(t, err)
		tags := exifTags(t, out)
		assert.Equal(t, "2021:06:01 12:30:00", tags["DateTimeOriginal"])
		assert.NotContains(t, tags, "GPSLatitude")
	})

	t.Run("leaves data alone when nothing is known", func(t *testing.T) {
		in := solidJPEG(t)
		out, err := e.EmbedMetadata(in, "Unknown", "Unknown", "Unknown")
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("passes other formats through", func(t *testing.T) {
		in := []byte("\x89PNG\r\n\x1a\nrest")
		out, err := e.EmbedMetadata(in, "2021-06-01 12:30:00 UTC", "1", "2")
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

func TestToDMS(t *testing.T) {
	dms := toDMS(-33.8688)
	require.Len(t, dms, 3)
	assert.EqualValues(t, 33, dms[0].Numerator)
	assert.EqualValues(t, 52, dms[1].Numerator)
	assert.EqualValues(t, 100, dms[2].Denominator)
	assert.InDelta(t, 7.68, float64(dms[2].Numerator)/100, 0.02)
}
