// Package generate produces text and media for a prompt.
//
// Backends implement Generator. Router picks one per kind, so a deployment
// can, for example, serve text and photos from Gemini and music from the
// simulator.
package generate

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned for kinds a backend cannot produce.
	ErrUnsupported = errors.New("kind not supported by backend")
	// ErrEmpty is returned when a backend answered without content.
	ErrEmpty = errors.New("backend returned no content")
)

type Request struct {
	Kind   string
	Prompt string
	UserID int64
}

// Result carries either Text, Media, or both (a caption).
type Result struct {
	Text     string
	Media    []byte
	MIMEType string
	Backend  string
	Model    string
}

func (r Result) HasMedia() bool { return len(r.Media) > 0 }

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// BackendError tags a backend failure with where it came from.
type BackendError struct {
	Backend string
	Kind    string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
