// Package embedding defines the optional embedding-provider interface
// (§6.2). Every write path in sidecar/distiller branches on availability;
// search APIs that require vectors fail cleanly rather than silently
// degrading to a different ranking.
package embedding

import (
	"context"
	"errors"
)

const Dimensions = 384

// ErrNotAvailable is returned by semantic-search APIs when no embedding
// provider is configured.
var ErrNotAvailable = errors.New("embedding model not available")

// Provider embeds free text into a fixed-dimension vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([Dimensions]float32, error)
	Available() bool
}

// NullProvider is used when embeddings are disabled; Embed always fails
// with ErrNotAvailable and Available reports false so callers can skip
// the call entirely on the hot path.
type NullProvider struct{}

func (NullProvider) Embed(ctx context.Context, text string) ([Dimensions]float32, error) {
	var zero [Dimensions]float32
	return zero, ErrNotAvailable
}

func (NullProvider) Available() bool { return false }
