package testutils

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
)

// ExifFixture describes the tags BuildExifTIFF writes. Nil coordinates omit the GPS block.
type ExifFixture struct {
	Make             string
	Model            string
	DateTimeOriginal string // "2006:01:02 15:04:05"
	Latitude         *float64
	Longitude        *float64
	Altitude         *float64
}

type tiffEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

const (
	tiffByte     = 1
	tiffASCII    = 2
	tiffLong     = 4
	tiffRational = 5
)

func asciiEntry(tag uint16, s string) tiffEntry {
	b := append([]byte(s), 0)
	return tiffEntry{tag: tag, typ: tiffASCII, count: uint32(len(b)), data: b}
}

func longEntry(tag uint16, v uint32) tiffEntry {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return tiffEntry{tag: tag, typ: tiffLong, count: 1, data: b}
}

func rationalEntry(tag uint16, vals ...[2]uint32) tiffEntry {
	b := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, v[0])
		b = binary.LittleEndian.AppendUint32(b, v[1])
	}
	return tiffEntry{tag: tag, typ: tiffRational, count: uint32(len(vals)), data: b}
}

// dms splits decimal degrees into degree/minute/second rationals
func dms(v float64) [][2]uint32 {
	v = math.Abs(v)
	deg := math.Floor(v)
	minutes := math.Floor((v - deg) * 60)
	sec := ((v-deg)*60 - minutes) * 60
	return [][2]uint32{
		{uint32(deg), 1},
		{uint32(minutes), 1},
		{uint32(math.Round(sec * 10000)), 10000},
	}
}

// BuildExifTIFF returns a little-endian TIFF structure holding the fixture's tags
func BuildExifTIFF(f ExifFixture) []byte {
	var ifd0, exifIFD, gpsIFD []tiffEntry
	if f.Make != "" {
		ifd0 = append(ifd0, asciiEntry(0x010F, f.Make))
	}
	if f.Model != "" {
		ifd0 = append(ifd0, asciiEntry(0x0110, f.Model))
	}
	if f.DateTimeOriginal != "" {
		exifIFD = append(exifIFD, asciiEntry(0x9003, f.DateTimeOriginal))
	}
	if f.Latitude != nil && f.Longitude != nil {
		ns, ew := "N", "E"
		if *f.Latitude < 0 {
			ns = "S"
		}
		if *f.Longitude < 0 {
			ew = "W"
		}
		gpsIFD = append(gpsIFD,
			asciiEntry(0x1, ns),
			rationalEntry(0x2, dms(*f.Latitude)...),
			asciiEntry(0x3, ew),
			rationalEntry(0x4, dms(*f.Longitude)...),
		)
		if f.Altitude != nil {
			ref := byte(0)
			if *f.Altitude < 0 {
				ref = 1
			}
			gpsIFD = append(gpsIFD,
				tiffEntry{tag: 0x5, typ: tiffByte, count: 1, data: []byte{ref}},
				rationalEntry(0x6, [2]uint32{uint32(math.Round(math.Abs(*f.Altitude) * 100)), 100}),
			)
		}
	}

	size := func(n int) int { return 2 + 12*n + 4 }
	n0 := len(ifd0)
	if len(exifIFD) > 0 {
		n0++
	}
	if len(gpsIFD) > 0 {
		n0++
	}
	offExif := 8 + size(n0)
	offGPS := offExif
	if len(exifIFD) > 0 {
		offGPS += size(len(exifIFD))
	}
	dataStart := offGPS
	if len(gpsIFD) > 0 {
		dataStart += size(len(gpsIFD))
	}
	if len(exifIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8769, uint32(offExif)))
	}
	if len(gpsIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8825, uint32(offGPS)))
	}

	le := binary.LittleEndian
	buf := []byte{'I', 'I', 42, 0}
	buf = le.AppendUint32(buf, 8)
	var data []byte

	writeIFD := func(entries []tiffEntry) {
		buf = le.AppendUint16(buf, uint16(len(entries)))
		for _, e := range entries {
			buf = le.AppendUint16(buf, e.tag)
			buf = le.AppendUint16(buf, e.typ)
			buf = le.AppendUint32(buf, e.count)
			if len(e.data) <= 4 {
				inline := make([]byte, 4)
				copy(inline, e.data)
				buf = append(buf, inline...)
				continue
			}
			buf = le.AppendUint32(buf, uint32(dataStart+len(data)))
			data = append(data, e.data...)
			if len(data)%2 == 1 {
				data = append(data, 0)
			}
		}
		buf = le.AppendUint32(buf, 0)
	}

	writeIFD(ifd0)
	if len(exifIFD) > 0 {
		writeIFD(exifIFD)
	}
	if len(gpsIFD) > 0 {
		writeIFD(gpsIFD)
	}
	return append(buf, data...)
}

// JPEGWithExif splices a TIFF block into a JPEG as an APP1 segment
func JPEGWithExif(jpegData, tiff []byte) []byte {
	payload := append([]byte("Exif\x00\x00"), tiff...)
	n := len(payload) + 2
	out := []byte{0xFF, 0xD8, 0xFF, 0xE1, byte(n >> 8), byte(n)}
	out = append(out, payload...)
	return append(out, jpegData[2:]...)
}

// Gradient returns a w×h test image
func Gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / max(w, 1)), G: uint8(y * 255 / max(h, 1)), B: 128, A: 255})
		}
	}
	return img
}

// EncodeJPEG encodes img as a JPEG
func EncodeJPEG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// EncodePNG encodes img as a PNG
func EncodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// WriteFile writes data to path with owner-only permissions
func WriteFile(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
