// Package transport defines the chat transport adapter contract consumed
// by the core. The concrete channel (WhatsApp, Telegram, whatever sits in
// front of the bot) lives outside the core entirely; this package only
// fixes the shape of outbound sends and the inline-button grammar the
// Dialog State Machine and Intent Dispatcher emit against.
package transport

import "context"

// Button is one inline action offered alongside an outbound message.
// CallbackData is echoed back verbatim on /callback when pressed.
type Button struct {
	Text         string
	CallbackData string
}

// OutboundMessage is what the core hands to a transport adapter to
// deliver. HTMLText is restricted to the subset spec.md §6 allows: <b>,
// <i>, <code>, <pre>.
type OutboundMessage struct {
	UserID   string
	ChatID   string
	HTMLText string
	Buttons  [][]Button
}

// Adapter is the contract an external chat transport implements. The
// core never depends on a concrete channel SDK; internal/notify and
// internal/api hold an Adapter and call Send.
type Adapter interface {
	// Send delivers one outbound message. Implementations should treat
	// context cancellation as a hard abort; spec.md §5 gives outbound
	// transport sends a 10s default timeout with one retry on transient
	// I/O errors, which is the caller's responsibility, not the
	// adapter's.
	Send(ctx context.Context, msg OutboundMessage) error
}

// NopAdapter discards every message. Useful as a safe default when no
// transport is wired (e.g. local development, dry-run CLI invocations).
type NopAdapter struct{}

func (NopAdapter) Send(ctx context.Context, msg OutboundMessage) error { return nil }

var _ Adapter = NopAdapter{}
