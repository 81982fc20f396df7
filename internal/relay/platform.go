// Package relay couples an external chat user's direct messages to a
// per-user support thread inside an admin group, in both directions.
package relay

import (
	"context"
	"errors"
	"time"
)

// ErrThreadGone is returned by ProbeThread when the thread no longer exists
// or can no longer be posted to.
var ErrThreadGone = errors.New("relay: thread gone")

// Platform is the interface that messaging-platform implementations must
// satisfy. A Platform delivers inbound events and performs the thread
// operations the topic lifecycle needs.
type Platform interface {
	// Connect establishes a connection to the platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events. The channel is closed when
	// the context is cancelled or the platform is closed. Listen must only
	// be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers an outbound message.
	Send(ctx context.Context, msg OutboundMessage) error

	// CreateThread opens a new thread in group and returns its id.
	CreateThread(ctx context.Context, group, title string) (string, error)

	// DeleteThread removes a thread. Callers treat failures as best-effort.
	DeleteThread(ctx context.Context, group, threadID string) error

	// ProbeThread performs a side-effect-free action in the thread and
	// returns nil only when the thread is live.
	ProbeThread(ctx context.Context, group, threadID string) error

	// AnswerControl acknowledges a control activation (button press).
	AnswerControl(ctx context.Context, controlID, text string) error

	// Close gracefully shuts down the platform connection.
	Close() error
}

// BotUserIDer is an optional interface that platforms can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// ThreadTitleLimiter is an optional interface for platforms that cap the
// length of thread titles, counted in runes.
type ThreadTitleLimiter interface {
	MaxThreadTitle() int
}

// Sender identifies the author of an inbound event.
type Sender struct {
	ID          string
	DisplayName string
	Handle      string // username without "@"
	IsBot       bool
}

// Event is one inbound occurrence on the platform.
type Event struct {
	ID          string // platform update id, used for redelivery dedupe
	ChatID      string // chat/channel the event arrived in
	Private     bool   // direct conversation between the user and the bot
	ThreadID    string // thread inside ChatID; empty for top-level
	Sender      Sender
	Text        string
	ControlID   string // non-empty for control activations
	ControlData string // payload attached to the activated control
	Timestamp   time.Time
}

// IsControl reports whether the event is a control activation.
func (e Event) IsControl() bool {
	return e.ControlData != ""
}

// OutboundMessage is a message to be sent to the platform. Exactly one of
// UserID (direct message) or ChatID is set.
type OutboundMessage struct {
	UserID   string
	ChatID   string
	ThreadID string
	Text     string
	Control  *Control
}

// Control is an interactive button attached to an outbound message.
type Control struct {
	Label string
	Data  string
}
