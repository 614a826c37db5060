package security

import (
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name     string
		index    int
		expected string
	}{
		{"", 3, "remote_3.png"},
		{"portrait.png", 0, "portrait.png"},
		{"my image (1).png", 0, "my_image__1_.png"},
		{"../../etc/passwd", 0, ".._.._etc_passwd"},
		{"ünïcode.png", 0, "_n_code.png"},
	}

	for _, tt := range tests {
		if got := SanitizeName(tt.name, tt.index); got != tt.expected {
			t.Errorf("SanitizeName(%q, %d) = %q, expected %q", tt.name, tt.index, got, tt.expected)
		}
	}
}

func TestValidateName(t *testing.T) {
	v := NewValidator(1024, 1024, 10.0)

	tests := []struct {
		name      string
		shouldErr bool
	}{
		{"file.png", false},
		{".._etc_passwd", false},
		{"..", true},
		{".", true},
		{"", true},
		{"dir/file.png", true},
		{"/etc/passwd", true},
	}

	for _, tt := range tests {
		err := v.ValidateName(tt.name)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for name: %q", tt.name)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for name %q: %v", tt.name, err)
		}
	}
}

func TestValidateImageSize(t *testing.T) {
	v := NewValidator(100, 1000, 10.0)

	if err := v.ValidateImageSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateImageSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}
}

func TestValidateExpansion(t *testing.T) {
	v := NewValidator(1024, 10240, 10.0)

	// 10x10 RGBA is 400 bytes
	if err := v.ValidateExpansion(40, 10, 10); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}

	if err := v.ValidateExpansion(20, 10, 10); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}

	if err := v.ValidateExpansion(0, 10, 10); err == nil {
		t.Error("expected error for zero encoded size")
	}
}

func TestBatchAdd_ExceedsTotal(t *testing.T) {
	v := NewValidator(1024, 500, 10.0)
	b := v.NewBatch()

	if err := b.Add(400); err != nil {
		t.Errorf("expected no error for first 400, got: %v", err)
	}

	if err := b.Add(200); err == nil {
		t.Error("expected error when total exceeds 500")
	}

	if b.Total() != 600 {
		t.Errorf("expected total 600, got %d", b.Total())
	}

	if other := v.NewBatch(); other.Total() != 0 {
		t.Error("a new batch starts empty")
	}
}
