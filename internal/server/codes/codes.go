// Package codes generates and validates human-typable retrieval codes of the
// form CVCV-CVCV-DD over a constrained consonant/vowel alphabet.
package codes

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"regexp"
)

const (
	consonants = "BCDFGHJKMNPQRSTVWXYZ"
	vowels     = "AEU"

	// maxProbes bounds the collision checks before a candidate is accepted
	// unchecked.
	maxProbes = 6
)

var codePattern = regexp.MustCompile(
	`^[BCDFGHJKMNPQRSTVWXYZ][AEU][BCDFGHJKMNPQRSTVWXYZ][AEU]-[BCDFGHJKMNPQRSTVWXYZ][AEU][BCDFGHJKMNPQRSTVWXYZ][AEU]-[0-9]{2}$`,
)

// Valid reports whether s has the grouped syllable-plus-digits shape.
func Valid(s string) bool {
	return codePattern.MatchString(s)
}

// Generate produces one random code. Randomness comes from crypto/rand.
func Generate() string {
	return fmt.Sprintf("%s%s-%s%s-%02d", syllable(), syllable(), syllable(), syllable(), randByte()%100)
}

func syllable() string {
	return string(consonants[int(randByte())%len(consonants)]) + string(vowels[int(randByte())%len(vowels)])
}

func randByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("crypto/rand failure: %v", err))
	}
	return b[0]
}

// ProbeFunc reports whether a candidate code is already live in the registry.
type ProbeFunc func(ctx context.Context, code string) (bool, error)

// Registry hands out codes that are checked against live records.
type Registry struct {
	taken ProbeFunc
}

// NewRegistry creates a registry backed by the given collision probe.
func NewRegistry(taken ProbeFunc) *Registry {
	return &Registry{taken: taken}
}

// Unique generates a code and probes the registry until it finds a free one.
// After maxProbes collisions the last candidate is accepted unchecked; the
// code space holds over a billion combinations, so reaching that point means
// the store is effectively full and is worth a warning.
func (r *Registry) Unique(ctx context.Context) (string, error) {
	var code string
	for i := 0; i < maxProbes; i++ {
		code = Generate()
		live, err := r.taken(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to probe code %s: %w", code, err)
		}
		if !live {
			return code, nil
		}
	}
	code = Generate()
	slog.Warn("code collision probe budget exhausted, accepting unchecked code", "probes", maxProbes)
	return code, nil
}
