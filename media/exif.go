package media

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"
)

// unknownValue marks a record field the export left empty.
const unknownValue = "Unknown"

const exifTimeLayout = "2006:01:02 15:04:05"

// Embedder writes capture time and location into JPEG EXIF. Other formats
// pass through untouched.
type Embedder struct{}

func NewEmbedder() *Embedder { return &Embedder{} }

// EmbedMetadata sets DateTime, DateTimeOriginal, DateTimeDigitized and the
// GPS position when they are known. Existing EXIF tags are kept.
func (e *Embedder) EmbedMetadata(data []byte, date, latitude, longitude string) ([]byte, error) {
	if DetectKind(data) != KindJPEG {
		return data, nil
	}
	ts, hasTime := ParseCaptureTime(date)
	lat, lon, hasGPS := parseCoordinates(latitude, longitude)
	if !hasTime && !hasGPS {
		return data, nil
	}

	parsed, err := jpegstructure.NewJpegMediaParser().ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse jpeg: %w", err)
	}
	sl, ok := parsed.(*jpegstructure.SegmentList)
	if !ok {
		return nil, fmt.Errorf("parse jpeg: unexpected media context %T", parsed)
	}

	rootIb, err := exifBuilder(sl)
	if err != nil {
		return nil, err
	}

	if hasTime {
		stamp := ts.UTC().Format(exifTimeLayout)
		if err := rootIb.SetStandardWithName("DateTime", stamp); err != nil {
			return nil, fmt.Errorf("set DateTime: %w", err)
		}
		exifIb, err := exif.GetOrCreateIbFromRootIb(rootIb, "IFD/Exif")
		if err != nil {
			return nil, fmt.Errorf("exif ifd: %w", err)
		}
		for _, tag := range []string{"DateTimeOriginal", "DateTimeDigitized"} {
			if err := exifIb.SetStandardWithName(tag, stamp); err != nil {
				return nil, fmt.Errorf("set %s: %w", tag, err)
			}
		}
	}

	if hasGPS {
		gpsIb, err := exif.GetOrCreateIbFromRootIb(rootIb, "IFD/GPSInfo")
		if err != nil {
			return nil, fmt.Errorf("gps ifd: %w", err)
		}
		latRef, lonRef := "N", "E"
		if lat < 0 {
			latRef = "S"
		}
		if lon < 0 {
			lonRef = "W"
		}
		tags := []struct {
			name  string
			value interface{}
		}{
			{"GPSVersionID", []byte{2, 2, 0, 0}},
			{"GPSLatitudeRef", latRef},
			{"GPSLatitude", toDMS(lat)},
			{"GPSLongitudeRef", lonRef},
			{"GPSLongitude", toDMS(lon)},
		}
		for _, tag := range tags {
			if err := gpsIb.SetStandardWithName(tag.name, tag.value); err != nil {
				return nil, fmt.Errorf("set %s: %w", tag.name, err)
			}
		}
	}

	if err := sl.SetExif(rootIb); err != nil {
		return nil, fmt.Errorf("attach exif: %w", err)
	}
	var buf bytes.Buffer
	if err := sl.Write(&buf); err != nil {
		return nil, fmt.Errorf("write jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// exifBuilder starts from the image's own EXIF when it has any.
func exifBuilder(sl *jpegstructure.SegmentList) (*exif.IfdBuilder, error) {
	if _, _, err := sl.FindExif(); err == nil {
		ib, err := sl.ConstructExifBuilder()
		if err != nil {
			return nil, fmt.Errorf("read existing exif: %w", err)
		}
		return ib, nil
	}

	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return nil, fmt.Errorf("exif mapping: %w", err)
	}
	ti := exif.NewTagIndex()
	return exif.NewIfdBuilder(im, ti, exifcommon.IfdStandardIfdIdentity, exifcommon.EncodeDefaultByteOrder), nil
}

func parseCoordinates(latitude, longitude string) (float64, float64, bool) {
	if latitude == unknownValue || longitude == unknownValue {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latitude), 64)
	if err != nil || math.Abs(lat) > 90 {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(longitude), 64)
	if err != nil || math.Abs(lon) > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

// toDMS converts a decimal coordinate into degrees, minutes and
// hundredths of seconds.
func toDMS(decimal float64) []exifcommon.Rational {
	decimal = math.Abs(decimal)
	degrees := math.Floor(decimal)
	minutesDecimal := (decimal - degrees) * 60
	minutes := math.Floor(minutesDecimal)
	seconds := (minutesDecimal - minutes) * 60
	return []exifcommon.Rational{
		{Numerator: uint32(degrees), Denominator: 1},
		{Numerator: uint32(minutes), Denominator: 1},
		{Numerator: uint32(seconds * 100), Denominator: 100},
	}
}
