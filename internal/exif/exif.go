// Package exif extracts the subset of image metadata the core cares about:
// capture time, GPS position and the device identifiers that must not leave
// the device.
package exif

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goexif "github.com/rwcarlsen/goexif/exif"
)

// ErrNoMetadata is returned when the input carries no readable EXIF block
var ErrNoMetadata = errors.New("exif: no metadata")

// Metadata is the decoded EXIF subset. Device fields identify the camera and
// are dropped by Sanitize.
type Metadata struct {
	TakenAt   *time.Time `json:"takenAt,omitempty"`
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
	Altitude  *float64   `json:"altitude,omitempty"`

	Make      string `json:"make,omitempty"`
	Model     string `json:"model,omitempty"`
	LensMake  string `json:"lensMake,omitempty"`
	LensModel string `json:"lensModel,omitempty"`
	Software  string `json:"software,omitempty"`
}

// Decode reads metadata from a JPEG, a TIFF or a raw "Exif\0\0" block
func Decode(r io.Reader) (*Metadata, error) {
	x, err := goexif.Decode(r)
	if err != nil && (x == nil || goexif.IsCriticalError(err)) {
		return nil, fmt.Errorf("%w: %v", ErrNoMetadata, err)
	}

	m := &Metadata{
		Make:      stringTag(x, goexif.Make),
		Model:     stringTag(x, goexif.Model),
		LensMake:  stringTag(x, goexif.LensMake),
		LensModel: stringTag(x, goexif.LensModel),
		Software:  stringTag(x, goexif.Software),
	}

	if t, err := x.DateTime(); err == nil {
		t = t.UTC()
		m.TakenAt = &t
	}

	if lat, lon, err := x.LatLong(); err == nil && validCoordinate(lat, lon) {
		m.Latitude = &lat
		m.Longitude = &lon
	}

	if tag, err := x.Get(goexif.GPSAltitude); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			alt := float64(num) / float64(den)
			// Ref 1 means below sea level
			if ref, err := x.Get(goexif.GPSAltitudeRef); err == nil {
				if v, err := ref.Int(0); err == nil && v == 1 {
					alt = -alt
				}
			}
			m.Altitude = &alt
		}
	}

	return m, nil
}

// DecodeBytes is Decode over an in-memory block
func DecodeBytes(data []byte) (*Metadata, error) {
	if len(data) == 0 {
		return nil, ErrNoMetadata
	}
	return Decode(bytes.NewReader(data))
}

// DecodeFile reads metadata from an image file
func DecodeFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

func stringTag(x *goexif.Exif, name goexif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return s
}

func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// HasLocation reports whether GPS coordinates are present
func (m Metadata) HasLocation() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// Sanitize drops the fields that identify the capturing device
func (m Metadata) Sanitize() Metadata {
	m.Make = ""
	m.Model = ""
	m.LensMake = ""
	m.LensModel = ""
	m.Software = ""
	return m
}

// WithoutLocation drops GPS position and altitude
func (m Metadata) WithoutLocation() Metadata {
	m.Latitude = nil
	m.Longitude = nil
	m.Altitude = nil
	return m
}

// RoundLocation rounds coordinates to the given number of decimals and drops altitude
func (m Metadata) RoundLocation(decimals int) Metadata {
	if m.Latitude != nil {
		v := Round(*m.Latitude, decimals)
		m.Latitude = &v
	}
	if m.Longitude != nil {
		v := Round(*m.Longitude, decimals)
		m.Longitude = &v
	}
	m.Altitude = nil
	return m
}

// Round rounds v half away from zero
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Marshal encodes the metadata for storage
func (m Metadata) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes stored metadata
func Unmarshal(data []byte) (*Metadata, error) {
	if len(data) == 0 {
		return nil, ErrNoMetadata
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("exif: decode stored metadata: %w", err)
	}
	return &m, nil
}
