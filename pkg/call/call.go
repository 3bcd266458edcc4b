// Package call defines the media session collaborator that the signaling core
// hands each accepted INVITE to, and a default implementation that answers the
// SDP offer for an AI media endpoint.
package call

import (
	"context"

	"github.com/pion/sdp/v3"
)

// Call is a media session bound to one dialog. The dialog owns it exclusively
// and releases it with Close.
type Call interface {
	// ID identifies the media session in logs and events.
	ID() string

	// Body returns the current SDP answer. It changes after Pause or Resume.
	Body() []byte

	// Pause stops media in both directions (remote put us on hold).
	Pause()

	// Resume restarts media after a Pause.
	Resume()

	// Paused reports whether the call is currently paused.
	Paused() bool

	// Close releases every resource held by the call. It is safe to call twice.
	Close() error
}

// Factory creates a Call from a parsed SDP offer.
type Factory interface {
	Create(ctx context.Context, dialogTag string, offer *sdp.SessionDescription, profile string) (Call, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, dialogTag string, offer *sdp.SessionDescription, profile string) (Call, error)

// Create calls f.
func (f FactoryFunc) Create(ctx context.Context, dialogTag string, offer *sdp.SessionDescription, profile string) (Call, error) {
	return f(ctx, dialogTag, offer, profile)
}
