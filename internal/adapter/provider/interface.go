// Package provider is the adapter for the generative model provider: a
// Responses-style API whose generations can be streamed, re-attached to at
// a sequence cursor, and retrieved by id.
package provider

import "context"

// Stream is one open event stream for a generation.
// Close may be called concurrently with Next to abort it.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Provider defines the generative provider operations used by the engines.
type Provider interface {
	// Open starts a background generation and streams its events.
	Open(ctx context.Context, params *Params) (Stream, error)
	// Resume re-attaches to a generation, delivering events whose sequence
	// number is greater than cursor.
	Resume(ctx context.Context, responseID string, cursor int64) (Stream, error)
	// Retrieve returns the current state of a generation.
	Retrieve(ctx context.Context, responseID string) (*Response, error)
}

// ResumeCapable is implemented by providers that can report whether they
// support re-attaching to a live stream.
type ResumeCapable interface {
	SupportsResume() bool
}

// SupportsResume reports whether p can resume streams. Providers that do
// not say are assumed to support it.
func SupportsResume(p Provider) bool {
	if rc, ok := p.(ResumeCapable); ok {
		return rc.SupportsResume()
	}
	return true
}

// Ensure Client implements Provider interface.
var _ Provider = (*Client)(nil)
