package photosync

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	errs "trailkeep/internal/infrastructure/errors"
)

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// detectContentType goes by extension first and sniffs the header otherwise
func detectContentType(path string) (string, error) {
	if ct, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	ct, _, err := mime.ParseMediaType(http.DetectContentType(head[:n]))
	if err != nil {
		return "application/octet-stream", nil
	}
	return ct, nil
}

// fitWithin scales w×h down to fit a limit×limit box, keeping the aspect ratio
func fitWithin(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, max(1, h*limit/w)
	}
	return max(1, w*limit/h), limit
}

// makeThumbnail writes a JPEG thumbnail of the image at path into a temp file
// and returns its path and size. Re-encoding drops all source metadata.
func (p *Pipeline) makeThumbnail(op, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return "", 0, errs.NewValidationError(op, "photo", filepath.Base(path), fmt.Sprintf("cannot decode image: %v", err))
	}

	sb := src.Bounds()
	w, h := fitWithin(sb.Dx(), sb.Dy(), p.config.ThumbnailMaxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha; composite transparent sources onto white
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Over, nil)

	out, err := os.CreateTemp(p.config.TempDir, "thumb-*.jpg")
	if err != nil {
		return "", 0, err
	}
	name := out.Name()
	if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: p.config.ThumbnailQuality}); err != nil {
		out.Close()
		os.Remove(name)
		return "", 0, err
	}
	info, err := out.Stat()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name)
		return "", 0, err
	}
	return name, info.Size(), nil
}
