package channel

import "time"

// InboundEvent is a single piece of operator input received from a channel.
// Exactly one of Text, ButtonData, or MediaPath carries the payload; a media
// upload may additionally carry a Caption.
type InboundEvent struct {
	ChatID     int64     `json:"chatId"`
	MessageID  int       `json:"messageId"`
	Text       string    `json:"text,omitempty"`
	ButtonData string    `json:"buttonData,omitempty"`
	MediaPath  string    `json:"mediaPath,omitempty"`
	Caption    string    `json:"caption,omitempty"`
	SenderID   int64     `json:"senderId"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsButton reports whether the event is an interactive button press.
func (e *InboundEvent) IsButton() bool {
	return e.ButtonData != ""
}

// IsMedia reports whether the event carries an uploaded file.
func (e *InboundEvent) IsMedia() bool {
	return e.MediaPath != ""
}

// Button is one interactive option attached to an outbound message.
// Data is the opaque token delivered back in InboundEvent.ButtonData when
// the operator presses it.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Row builds a single keyboard row from the given buttons.
func Row(buttons ...Button) []Button {
	return buttons
}

// SendOptions controls the rendering of an outbound message.
type SendOptions struct {
	// Buttons is an inline keyboard, one slice per row.
	Buttons [][]Button

	// Plain disables rich formatting for this delivery.
	Plain bool
}

// MessageRef identifies a delivered message so it can later be edited or
// deleted.
type MessageRef struct {
	ChatID    int64 `json:"chatId"`
	MessageID int   `json:"messageId"`
}
