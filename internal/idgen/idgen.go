// Package idgen generates the short identifiers used for links and groups.
// Generators are safe for concurrent use.
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// Length is the size of every persisted identifier.
	Length = 8

	// Alphabet is the URL-safe set identifiers are drawn from.
	Alphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Generator generates identifiers.
// Two calls are not guaranteed to differ; callers treat a store conflict as a
// reason to generate again.
type Generator interface {
	Generate() (string, error)
}

type nanoGen struct {
	maxRetries int
}

type Option func(*nanoGen)

// WithRetries sets how many times to retry reading the random source after the
// initial attempt. Defaults to 1. Set to 0 to disable retries.
func WithRetries(n int) Option {
	return func(g *nanoGen) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// New returns a Generator producing Length-character ids over Alphabet.
func New(opts ...Option) Generator {
	g := &nanoGen{maxRetries: 1}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *nanoGen) Generate() (string, error) {
	var last error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		id, err := gonanoid.Generate(Alphabet, Length)
		if err == nil {
			return id, nil
		}
		last = err
	}
	return "", fmt.Errorf("id generation failed after %d attempts: %w", g.maxRetries+1, last)
}

// Valid reports whether s has the shape of a generated identifier.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !validChar(s[i]) {
			return false
		}
	}
	return true
}

func validChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	default:
		return false
	}
}
