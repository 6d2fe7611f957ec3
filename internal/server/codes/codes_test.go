package codes

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	t.Run("matches the grouped pattern", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			code := Generate()
			if !Valid(code) {
				t.Fatalf("generated code %q does not match pattern", code)
			}
		}
	})

	t.Run("uses only the constrained alphabet", func(t *testing.T) {
		const allowed = consonants + vowels + "0123456789-"
		for i := 0; i < 50; i++ {
			for _, c := range Generate() {
				if !strings.ContainsRune(allowed, c) {
					t.Fatalf("code contains character outside alphabet: %c", c)
				}
			}
		}
	})

	t.Run("varies across calls", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			seen[Generate()] = true
		}
		// Over a billion combinations; 100 draws colliding down to a
		// handful would indicate broken randomness.
		if len(seen) < 90 {
			t.Errorf("expected ~100 distinct codes, got %d", len(seen))
		}
	})
}

func TestValid(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"BAFU-KEJU-07", true},
		{"ZUZU-ZUZU-99", true},
		{"bafu-keju-07", false}, // lowercase
		{"BAFU-KEJU-7", false},  // one digit
		{"BAFUKEJU07", false},   // missing dashes
		{"BIFU-KEJU-07", false}, // I is not in the vowel set
		{"BAFU-KEJU-07X", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := Valid(tt.code); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestRegistryUnique(t *testing.T) {
	ctx := context.Background()

	t.Run("returns first free code", func(t *testing.T) {
		probes := 0
		r := NewRegistry(func(ctx context.Context, code string) (bool, error) {
			probes++
			return false, nil
		})
		code, err := r.Unique(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !Valid(code) {
			t.Errorf("code %q invalid", code)
		}
		if probes != 1 {
			t.Errorf("expected 1 probe, got %d", probes)
		}
	})

	t.Run("retries past collisions", func(t *testing.T) {
		probes := 0
		r := NewRegistry(func(ctx context.Context, code string) (bool, error) {
			probes++
			return probes < 3, nil // first two candidates taken
		})
		if _, err := r.Unique(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if probes != 3 {
			t.Errorf("expected 3 probes, got %d", probes)
		}
	})

	t.Run("accepts unchecked code after probe budget", func(t *testing.T) {
		probes := 0
		r := NewRegistry(func(ctx context.Context, code string) (bool, error) {
			probes++
			return true, nil // everything taken
		})
		code, err := r.Unique(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if probes != maxProbes {
			t.Errorf("expected %d probes, got %d", maxProbes, probes)
		}
		if !Valid(code) {
			t.Errorf("fallback code %q invalid", code)
		}
	})

	t.Run("propagates probe errors", func(t *testing.T) {
		wantErr := errors.New("kv down")
		r := NewRegistry(func(ctx context.Context, code string) (bool, error) {
			return false, wantErr
		})
		if _, err := r.Unique(ctx); !errors.Is(err, wantErr) {
			t.Errorf("expected probe error, got %v", err)
		}
	})
}
