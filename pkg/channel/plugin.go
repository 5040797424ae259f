// Package channel defines the interface between the bot core and the
// messaging transport that carries operator input and output.
package channel

import "context"

// Capabilities describes what a channel implementation supports.
type Capabilities struct {
	CanEdit          bool `json:"canEdit"`
	CanDelete        bool `json:"canDelete"`
	CanSendButtons   bool `json:"canSendButtons"`
	CanReceiveMedia  bool `json:"canReceiveMedia"`
	MaxMessageLength int  `json:"maxMessageLength,omitempty"`
}

// Handler receives inbound operator events in receipt order.
type Handler func(ctx context.Context, ev InboundEvent)

// Channel is a messaging transport plugin. Implementations own the wire
// protocol; the bot core only sees events and message references.
type Channel interface {
	// Name returns the channel's display name.
	Name() string

	// Capabilities returns the channel's capabilities.
	Capabilities() Capabilities

	// Start begins receiving events, invoking the registered handler for
	// each one until the context is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop stops receiving events.
	Stop(ctx context.Context) error

	// OnEvent registers the inbound event handler. Must be called before
	// Start.
	OnEvent(handler Handler)

	// Send delivers a message. Text exceeding the channel's length limit is
	// split by the implementation; the returned ref addresses the first
	// delivered part.
	Send(ctx context.Context, chatID int64, text string, opts *SendOptions) (MessageRef, error)

	// Edit replaces the text of a previously delivered message.
	Edit(ctx context.Context, ref MessageRef, text string) error

	// Delete removes a previously delivered message.
	Delete(ctx context.Context, ref MessageRef) error

	// Typing signals to the operator that work is in progress.
	Typing(ctx context.Context, chatID int64)

	// Probe performs a lightweight identity call to verify the transport is
	// reachable. Used by the health monitor when deciding to come back
	// online.
	Probe(ctx context.Context) error
}
