// Package core is the orchestration layer.  It composes the listener,
// the outbound dialer, and per-connection sessions into a running
// forwarder, and provides a builder that assembles one from a Config.
//
// Architecture layers (bottom → top):
//
//	transport, relay  →  session  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode that owns its lifecycle until
// ctx is cancelled or it fails.
type Mode interface {
	Run(ctx context.Context) error
}

var _ Mode = (*Forwarder)(nil)
