package api

import "testing"

func TestNewSandboxID(t *testing.T) {
	id := NewSandboxID()
	if !ValidateSandboxID(id) {
		t.Errorf("generated ID %q does not validate", id)
	}
}

func TestSandboxIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewSandboxID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValidateSandboxID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"sbx_abcdefghijklmnopqrstuvwx", true},
		{"sbx_ABC123defghijklmnopqrst4", true},
		{"sbx_short", false},
		{"resp_abcdefghijklmnopqrstuvwx", false},
		{"", false},
		{"sbx_abcdefghijklmnopqrstuvw!", false},
	}
	for _, tt := range tests {
		if got := ValidateSandboxID(tt.id); got != tt.want {
			t.Errorf("ValidateSandboxID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
