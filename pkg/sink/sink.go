// Package sink stores images posted back to the worker as PNG files in a
// fixed directory.
package sink

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"path/filepath"

	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/security"
	"github.com/spf13/afero"
)

// Item is one posted image.
type Item struct {
	B64  string `json:"b64"`
	Name string `json:"name,omitempty"`
}

// Request is the body of a save call.
type Request struct {
	Images []Item `json:"images"`
}

// Saved names one written file.
type Saved struct {
	Path string `json:"path"`
}

// Response lists the written files.
type Response struct {
	Saved []Saved `json:"saved"`
}

// Sink writes images under dir.
type Sink struct {
	fs        afero.Fs
	dir       string
	validator *security.Validator
}

// New creates a Sink writing into dir.
func New(fs afero.Fs, dir string, validator *security.Validator) *Sink {
	return &Sink{fs: fs, dir: dir, validator: validator}
}

// Dir returns the output directory.
func (s *Sink) Dir() string {
	return s.dir
}

// Save decodes and re-encodes each image as PNG. Items without data are
// skipped. The first bad item stops the call; files written before it stay.
func (s *Sink) Save(req Request) (*Response, error) {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create sink dir")
	}

	batch := s.validator.NewBatch()
	resp := &Response{Saved: []Saved{}}
	for i, item := range req.Images {
		if item.B64 == "" {
			continue
		}
		path, err := s.save(i, item, batch)
		if err != nil {
			slog.Error("sink_save_failed", "index", i, "name", item.Name, "error", err)
			return nil, err
		}
		resp.Saved = append(resp.Saved, Saved{Path: path})
	}

	slog.Info("sink_saved", "count", len(resp.Saved), "bytes", batch.Total())
	return resp, nil
}

func (s *Sink) save(i int, item Item, batch *security.Batch) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(item.B64)
	if err != nil {
		return "", errors.Wrap(err, "invalid base64")
	}
	if err := s.validator.ValidateImageSize(int64(len(raw))); err != nil {
		return "", err
	}
	if err := batch.Add(int64(len(raw))); err != nil {
		return "", err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return "", errors.Wrap(err, "unrecognized image")
	}
	if err := s.validator.ValidateExpansion(int64(len(raw)), cfg.Width, cfg.Height); err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", errors.Wrap(err, "failed to decode image")
	}

	name := security.SanitizeName(item.Name, i)
	if err := s.validator.ValidateName(name); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, name)

	f, err := s.fs.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to create "+name)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return "", errors.Wrap(err, "failed to encode "+name)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "failed to write "+name)
	}
	return path, nil
}
