package feed

import (
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"NQ!", "NQ"},
		{"nq1!", "NQ"},
		{"MNQ.1", "MNQ"},
		{"MNQ.1!", "MNQ"},
		{"!MES1!", "MES"},
		{"ES", "ES"},
		{"es", "ES"},
		{"GC2", "GC"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"NQ!", "MNQ.1", "!MES1!", "es", "GC2"}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}
