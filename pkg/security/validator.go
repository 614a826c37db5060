package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// unsafeChars matches everything a sink filename may not contain.
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Validator enforces limits on images written to disk by the image sink
type Validator struct {
	maxImageSize      int64
	maxBatchSize      int64
	maxExpansionRatio float64
}

// NewValidator creates a new security validator
func NewValidator(maxImageSize, maxBatchSize int64, maxExpansionRatio float64) *Validator {
	slog.Info("security_validator_init",
		"max_image_size_mb", maxImageSize/1024/1024,
		"max_batch_size_mb", maxBatchSize/1024/1024,
		"max_expansion_ratio", maxExpansionRatio)

	return &Validator{
		maxImageSize:      maxImageSize,
		maxBatchSize:      maxBatchSize,
		maxExpansionRatio: maxExpansionRatio,
	}
}

// SanitizeName maps name onto the safe character set. An empty name becomes
// remote_<index>.png.
func SanitizeName(name string, index int) string {
	if name == "" {
		return fmt.Sprintf("remote_%d.png", index)
	}
	return unsafeChars.ReplaceAllString(name, "_")
}

// ValidateName checks a sanitized name stays inside the output directory
func (v *Validator) ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		slog.Error("security_name_validation_failed", "name", name, "reason", "reserved_name")
		return fmt.Errorf("security: reserved file name: %q", name)
	}

	// Reject absolute paths and separators
	if filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) {
		slog.Error("security_name_validation_failed", "name", name, "reason", "path_separator")
		return fmt.Errorf("security: path not allowed: %s", name)
	}

	return nil
}

// ValidateImageSize checks if a decoded payload exceeds max image size
func (v *Validator) ValidateImageSize(size int64) error {
	if size > v.maxImageSize {
		slog.Error("security_image_size_exceeded",
			"image_size_mb", size/1024/1024,
			"max_image_size_mb", v.maxImageSize/1024/1024)
		return fmt.Errorf("security: image size %d exceeds max %d", size, v.maxImageSize)
	}
	return nil
}

// ValidateExpansion checks for decompression bombs: the raw pixel buffer of a
// width x height image may be at most maxExpansionRatio times its encoding.
func (v *Validator) ValidateExpansion(encodedSize int64, width, height int) error {
	if encodedSize == 0 {
		slog.Error("security_expansion_validation_failed", "reason", "zero_encoded_size")
		return fmt.Errorf("security: encoded size cannot be zero")
	}

	decoded := int64(width) * int64(height) * 4
	ratio := float64(decoded) / float64(encodedSize)

	if ratio > v.maxExpansionRatio {
		slog.Error("security_decompression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxExpansionRatio,
			"width", width,
			"height", height,
			"encoded_kb", encodedSize/1024)
		return fmt.Errorf("security: expansion ratio %.2f exceeds max %.2f (%dx%d from %d bytes)",
			ratio, v.maxExpansionRatio, width, height, encodedSize)
	}

	return nil
}

// Batch tracks the total size of one sink request
type Batch struct {
	maxSize int64

	mu        sync.Mutex
	totalSize int64
}

// NewBatch starts tracking a new request against the batch limit
func (v *Validator) NewBatch() *Batch {
	return &Batch{maxSize: v.maxBatchSize}
}

// Add tracks total decoded size and checks against limit
func (b *Batch) Add(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSize += size

	if b.totalSize > b.maxSize {
		slog.Error("security_batch_size_exceeded",
			"current_total_mb", b.totalSize/1024/1024,
			"max_total_mb", b.maxSize/1024/1024,
			"image_size_mb", size/1024/1024)
		return fmt.Errorf("security: total batch size %d exceeds max %d", b.totalSize, b.maxSize)
	}

	return nil
}

// Total returns the size accumulated so far
func (b *Batch) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalSize
}
