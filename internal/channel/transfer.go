package channel

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
)

// UploadRequest streams a local file to url. A raw upload sends the file as the
// request body (PUT by default, the shape presigned targets expect). A
// multipart upload wraps it in a form (POST by default).
type UploadRequest struct {
	URL         string
	Method      string
	FilePath    string
	ContentType string
	Headers     map[string]string
	RequireAuth bool

	Multipart  bool
	FieldName  string // form field for the file, "file" when empty
	FormFields map[string]string

	RetryAttempts *int
	Timeout       time.Duration
}

// DownloadRequest streams url into Dest
type DownloadRequest struct {
	URL         string
	Dest        string
	Headers     map[string]string
	RequireAuth bool

	RetryAttempts *int
	Timeout       time.Duration
}

// Upload streams a file to the target. The file is reopened on every attempt.
func (c *Channel) Upload(ctx context.Context, req UploadRequest) (*Response, error) {
	const op = "SecureChannel.Upload"

	method := req.Method
	if method == "" {
		method = http.MethodPut
		if req.Multipart {
			method = http.MethodPost
		}
	}
	cl, err := c.prepare(op, method, req.URL, req.Headers, req.RetryAttempts, req.Timeout, c.config.TransferTimeout)
	if err != nil {
		return nil, err
	}
	cl.requireAuth = req.RequireAuth

	if req.FilePath == "" {
		return nil, errs.NewValidationError(op, "file_path", "", "file path is required")
	}
	info, err := os.Stat(req.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.HandleNotFound(op, "file", req.FilePath)
		}
		return nil, errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"file": req.FilePath})
	}
	if info.IsDir() {
		return nil, errs.NewValidationError(op, "file_path", req.FilePath, "path is a directory")
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if !validHeaderValue(contentType) {
		return nil, errs.NewValidationError(op, "content_type", contentType, "content type has invalid characters")
	}

	if req.Multipart {
		fields := req.FormFields
		field := req.FieldName
		if field == "" {
			field = "file"
		}
		cl.body = func() (io.ReadCloser, int64, string, error) {
			return multipartBody(req.FilePath, field, contentType, fields)
		}
	} else {
		cl.header.Set("Content-Type", contentType)
		cl.body = func() (io.ReadCloser, int64, string, error) {
			f, err := os.Open(req.FilePath)
			if err != nil {
				return nil, 0, "", errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"file": req.FilePath})
			}
			st, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, 0, "", errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"file": req.FilePath})
			}
			return f, st.Size(), "", nil
		}
	}

	var out *Response
	err = c.execute(ctx, cl, func(resp *http.Response) error {
		raw, err := c.readBody(op, cl, resp)
		if err != nil {
			return err
		}
		parsed, _ := parseBody(resp.Header.Get("Content-Type"), raw, false)
		out = &Response{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: parsed, Raw: raw}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// multipartBody streams a form through a pipe so the file is never buffered whole
func multipartBody(path, field, contentType string, fields map[string]string) (io.ReadCloser, int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, "", errs.WrapDatabaseErrorWithContext("SecureChannel.Upload", err, map[string]string{"file": path})
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		err := func() error {
			for k, v := range fields {
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(path)))
			h.Set("Content-Type", contentType)
			part, err := mw.CreatePart(h)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	return pr, -1, mw.FormDataContentType(), nil
}

// Download streams url into req.Dest and returns the number of bytes written.
// Data lands in a temp file next to Dest and is renamed into place on success.
func (c *Channel) Download(ctx context.Context, req DownloadRequest) (int64, error) {
	const op = "SecureChannel.Download"

	cl, err := c.prepare(op, http.MethodGet, req.URL, req.Headers, req.RetryAttempts, req.Timeout, c.config.TransferTimeout)
	if err != nil {
		return 0, err
	}
	cl.requireAuth = req.RequireAuth

	if strings.TrimSpace(req.Dest) == "" {
		return 0, errs.NewValidationError(op, "dest", "", "destination is required")
	}
	dir := filepath.Dir(req.Dest)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"dest": req.Dest})
	}

	var written int64
	err = c.execute(ctx, cl, func(resp *http.Response) error {
		tmp, err := os.CreateTemp(dir, ".download-*")
		if err != nil {
			return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"dest": req.Dest})
		}
		tmpName := tmp.Name()
		committed := false
		defer func() {
			if !committed {
				tmp.Close()
				os.Remove(tmpName)
			}
		}()

		n, err := io.Copy(tmp, resp.Body)
		if err != nil {
			return &errs.CommunicationError{Op: op, Method: cl.method, URL: redactURL(cl.target), Err: fmt.Errorf("read response: %w", err)}
		}
		if err := tmp.Sync(); err != nil {
			return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"dest": req.Dest})
		}
		if err := tmp.Close(); err != nil {
			return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"dest": req.Dest})
		}
		if err := os.Rename(tmpName, req.Dest); err != nil {
			os.Remove(tmpName)
			committed = true
			return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"dest": req.Dest})
		}
		committed = true
		written = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}
