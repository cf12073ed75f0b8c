package media

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Compositor flattens an overlay image onto its main image.
type Compositor struct {
	JPEGQuality int
}

func NewCompositor() *Compositor {
	return &Compositor{JPEGQuality: 95}
}

// MergeImage draws overlay on top of main, scaling it to main's size when
// they differ, and re-encodes in main's format. Formats without an encoder
// (WebP) are written as JPEG.
func (c *Compositor) MergeImage(main, overlay []byte) ([]byte, error) {
	base, format, err := image.Decode(bytes.NewReader(main))
	if err != nil {
		return nil, fmt.Errorf("decode main image: %w", err)
	}
	top, _, err := image.Decode(bytes.NewReader(overlay))
	if err != nil {
		return nil, fmt.Errorf("decode overlay image: %w", err)
	}

	bounds := base.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Draw(canvas, canvas.Bounds(), base, bounds.Min, xdraw.Src)
	if top.Bounds().Dx() == bounds.Dx() && top.Bounds().Dy() == bounds.Dy() {
		xdraw.Draw(canvas, canvas.Bounds(), top, top.Bounds().Min, xdraw.Over)
	} else {
		xdraw.CatmullRom.Scale(canvas, canvas.Bounds(), top, top.Bounds(), xdraw.Over, nil)
	}

	var out bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&out, canvas)
	case "gif":
		err = gif.Encode(&out, canvas, nil)
	default:
		quality := c.JPEGQuality
		if quality <= 0 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&out, canvas, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, fmt.Errorf("encode merged image: %w", err)
	}
	return out.Bytes(), nil
}
