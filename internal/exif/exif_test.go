package exif

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"trailkeep/internal/testutils"
)

func ptr(v float64) *float64 { return &v }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestDecode_JPEGWithGPSAndDevice(t *testing.T) {
	t.Parallel()
	tiff := testutils.BuildExifTIFF(testutils.ExifFixture{
		Make:             "Acme",
		Model:            "TrailCam 3",
		DateTimeOriginal: "2024:06:01 09:30:00",
		Latitude:         ptr(37.774929),
		Longitude:        ptr(-122.41942),
		Altitude:         ptr(-12.5),
	})
	data := testutils.JPEGWithExif(testutils.EncodeJPEG(testutils.Gradient(8, 8)), tiff)

	m, err := DecodeBytes(data)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if m.Make != "Acme" || m.Model != "TrailCam 3" {
		t.Errorf("device = %q/%q", m.Make, m.Model)
	}
	if !m.HasLocation() || !near(*m.Latitude, 37.774929) || !near(*m.Longitude, -122.41942) {
		t.Errorf("location = %v, %v", m.Latitude, m.Longitude)
	}
	if m.Altitude == nil || !near(*m.Altitude, -12.5) {
		t.Errorf("altitude = %v", m.Altitude)
	}
	want := time.Date(2024, 6, 1, 9, 30, 0, 0, time.Local)
	if m.TakenAt == nil || !m.TakenAt.Equal(want) {
		t.Errorf("taken at = %v, want %v", m.TakenAt, want)
	}
}

func TestDecode_RawTIFFWithoutGPS(t *testing.T) {
	t.Parallel()
	m, err := DecodeBytes(testutils.BuildExifTIFF(testutils.ExifFixture{Model: "Only Model"}))
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if m.HasLocation() || m.TakenAt != nil || m.Model != "Only Model" {
		t.Errorf("metadata = %+v", m)
	}
}

func TestDecode_NoMetadata(t *testing.T) {
	t.Parallel()
	if _, err := DecodeBytes(testutils.EncodeJPEG(testutils.Gradient(4, 4))); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("plain jpeg error = %v, want ErrNoMetadata", err)
	}
	if _, err := DecodeBytes(nil); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("empty input error = %v, want ErrNoMetadata", err)
	}

	path := filepath.Join(t.TempDir(), "plain.png")
	testutils.WriteFile(t, path, testutils.EncodePNG(testutils.Gradient(4, 4)))
	if _, err := DecodeFile(path); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("png error = %v, want ErrNoMetadata", err)
	}
}

func TestSanitizeAndLocationFilters(t *testing.T) {
	t.Parallel()
	taken := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	m := Metadata{
		TakenAt:   &taken,
		Latitude:  ptr(37.774929),
		Longitude: ptr(-122.41942),
		Altitude:  ptr(15),
		Make:      "Acme",
		Model:     "TrailCam 3",
		LensModel: "24mm",
		Software:  "fw 1.2",
	}

	s := m.Sanitize()
	if s.Make != "" || s.Model != "" || s.LensModel != "" || s.Software != "" {
		t.Errorf("Sanitize kept device fields: %+v", s)
	}
	if !s.HasLocation() || s.TakenAt == nil {
		t.Error("Sanitize dropped non-device fields")
	}
	if m.Make != "Acme" {
		t.Error("Sanitize mutated the receiver")
	}

	r := m.RoundLocation(2)
	if *r.Latitude != 37.77 || *r.Longitude != -122.42 || r.Altitude != nil {
		t.Errorf("RoundLocation = %v, %v, %v", *r.Latitude, *r.Longitude, r.Altitude)
	}

	if n := m.WithoutLocation(); n.HasLocation() || n.Altitude != nil {
		t.Errorf("WithoutLocation = %+v", n)
	}

	data, err := s.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Unmarshal(data)
	if err != nil || !near(*back.Latitude, 37.774929) || back.Make != "" {
		t.Errorf("Unmarshal = %+v, %v", back, err)
	}
}
