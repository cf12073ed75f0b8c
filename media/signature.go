// Package media knows about the bytes the downloader handles: content
// signatures, overlay bundles, output naming and the image compositor.
package media

import (
	"bytes"
	"path/filepath"
	"strings"
)

type Kind string

const (
	KindZip     Kind = "zip"
	KindJPEG    Kind = "jpeg"
	KindPNG     Kind = "png"
	KindGIF     Kind = "gif"
	KindWebP    Kind = "webp"
	KindMP4     Kind = "mp4"
	KindMOV     Kind = "mov"
	KindHEIC    Kind = "heic"
	KindUnknown Kind = "unknown"
)

var heicBrands = [][]byte{
	[]byte("heic"), []byte("heix"), []byte("heim"), []byte("hevc"),
	[]byte("hevx"), []byte("mif1"), []byte("msf1"),
}

// DetectKind identifies data by its magic bytes, ignoring any claimed extension.
func DetectKind(data []byte) Kind {
	switch {
	case len(data) >= 2 && bytes.Equal(data[:2], []byte("PK")):
		return KindZip
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return KindJPEG
	case len(data) >= 8 && bytes.Equal(data[:8], []byte("\x89PNG\r\n\x1a\n")):
		return KindPNG
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return KindGIF
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return KindWebP
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")):
		brand := data[8:12]
		for _, b := range heicBrands {
			if bytes.Equal(brand, b) {
				return KindHEIC
			}
		}
		if bytes.Equal(brand, []byte("qt  ")) {
			return KindMOV
		}
		return KindMP4
	}
	return KindUnknown
}

// Extension returns the canonical extension for k, or fallback when k is unknown.
func (k Kind) Extension(fallback string) string {
	switch k {
	case KindZip:
		return ".zip"
	case KindJPEG:
		return ".jpg"
	case KindPNG:
		return ".png"
	case KindGIF:
		return ".gif"
	case KindWebP:
		return ".webp"
	case KindMP4:
		return ".mp4"
	case KindMOV:
		return ".mov"
	case KindHEIC:
		return ".heic"
	}
	return fallback
}

var (
	videoExts = map[string]bool{".mp4": true, ".mov": true, ".avi": true}
	imageExts = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
		".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
	}
)

// IsVideoExt reports whether the extension (with or without a path) names a video container.
func IsVideoExt(name string) bool {
	return videoExts[strings.ToLower(filepath.Ext(name))]
}

// IsImageExt reports whether the extension (with or without a path) names an image format.
func IsImageExt(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// LooksLikeVideo is a sanity check on ISO-BMFF style containers. A mismatch
// usually means the server returned an error page instead of media.
func LooksLikeVideo(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	switch string(data[4:8]) {
	case "ftyp", "mdat", "moov", "wide":
		return true
	}
	return false
}
