package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Route is the classification of an inbound event.
type Route int

const (
	RouteIgnore Route = iota
	RouteUserMessage
	RouteStart
	RouteAdminReply
	RouteClose
)

func (r Route) String() string {
	switch r {
	case RouteUserMessage:
		return "user_message"
	case RouteStart:
		return "start"
	case RouteAdminReply:
		return "admin_reply"
	case RouteClose:
		return "close"
	default:
		return "ignore"
	}
}

// TextCloseFailed answers a close control that could not be honoured.
const TextCloseFailed = "Could not close the dialog."

// TopicHandler is what the router dispatches to. *TopicManager implements it.
type TopicHandler interface {
	HandleUserMessage(ctx context.Context, um UserMessage) (Outcome, error)
	HandleStart(ctx context.Context, um UserMessage, payload string) error
	HandleAdminReply(ctx context.Context, r AdminReply) error
	Close(ctx context.Context, userID string) error
}

// Router classifies inbound events and forwards them to the topic handler.
// It holds no business logic beyond classification.
type Router struct {
	topics     TopicHandler
	platform   Platform
	adminGroup string
	botUserID  string
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Topics     TopicHandler
	Platform   Platform
	AdminGroup string
	BotUserID  string // bot's user ID for self-message filtering
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Topics == nil {
		return nil, fmt.Errorf("relay: router: topic handler is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("relay: router: platform is required")
	}
	if opts.AdminGroup == "" {
		return nil, fmt.Errorf("relay: router: admin group is required")
	}
	return &Router{
		topics:     opts.Topics,
		platform:   opts.Platform,
		adminGroup: opts.AdminGroup,
		botUserID:  opts.BotUserID,
	}, nil
}

// Classify decides where an event goes. Routing paths:
//  1. Bot or self message → ignore
//  2. Control activation in the admin group → close
//  3. Threaded message in the admin group → admin reply
//  4. Private "/start [payload]" → start
//  5. Private text → user message
//  6. Everything else → ignore
func (r *Router) Classify(ev Event) Route {
	if ev.Sender.IsBot || (r.botUserID != "" && ev.Sender.ID == r.botUserID) {
		return RouteIgnore
	}
	if ev.IsControl() {
		if ev.ChatID == r.adminGroup {
			return RouteClose
		}
		return RouteIgnore
	}
	text := strings.TrimSpace(ev.Text)
	if ev.ChatID == r.adminGroup {
		if ev.ThreadID != "" && text != "" {
			return RouteAdminReply
		}
		return RouteIgnore
	}
	if !ev.Private || text == "" {
		return RouteIgnore
	}
	if _, ok := startPayload(text); ok {
		return RouteStart
	}
	return RouteUserMessage
}

// Handle classifies and routes a single event. A panic inside a handler is
// recovered and logged so one bad event cannot stop the event loop.
func (r *Router) Handle(ctx context.Context, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("event", ev.ID).Str("user", ev.Sender.ID).
				Msg("relay: router: handler panicked")
		}
	}()

	route := r.Classify(ev)
	log.Debug().Str("event", ev.ID).Str("chat", ev.ChatID).Str("thread", ev.ThreadID).
		Str("user", ev.Sender.ID).Stringer("route", route).Msg("relay: router: recv")

	switch route {
	case RouteClose:
		r.handleClose(ctx, ev)
	case RouteAdminReply:
		err := r.topics.HandleAdminReply(ctx, AdminReply{ThreadID: ev.ThreadID, SenderID: ev.Sender.ID, Text: ev.Text})
		if err != nil && !errors.Is(err, ErrUnknownThread) {
			log.Error().Err(err).Str("thread", ev.ThreadID).Msg("relay: router: admin reply")
		}
	case RouteStart:
		payload, _ := startPayload(strings.TrimSpace(ev.Text))
		if err := r.topics.HandleStart(ctx, userMessage(ev), payload); err != nil {
			log.Error().Err(err).Str("user", ev.Sender.ID).Msg("relay: router: start")
		}
	case RouteUserMessage:
		if _, err := r.topics.HandleUserMessage(ctx, userMessage(ev)); err != nil {
			log.Error().Err(err).Str("user", ev.Sender.ID).Msg("relay: router: user message")
		}
	}
}

func (r *Router) handleClose(ctx context.Context, ev Event) {
	answer := TextDialogClosed
	userID, ok := parseCloseData(ev.ControlData)
	if !ok {
		log.Warn().Str("data", ev.ControlData).Msg("relay: router: unrecognised control")
		answer = TextCloseFailed
	} else if err := r.topics.Close(ctx, userID); err != nil {
		log.Error().Err(err).Str("user", userID).Msg("relay: router: close")
		answer = TextCloseFailed
	}
	if ev.ControlID == "" {
		return
	}
	if err := r.platform.AnswerControl(ctx, ev.ControlID, answer); err != nil {
		log.Warn().Err(err).Str("control", ev.ControlID).Msg("relay: router: answer control")
	}
}

func userMessage(ev Event) UserMessage {
	return UserMessage{
		UserID:      ev.Sender.ID,
		DisplayName: ev.Sender.DisplayName,
		Handle:      ev.Sender.Handle,
		Text:        strings.TrimSpace(ev.Text),
	}
}

// startPayload recognises "/start", "/start@botname" and their payloads.
func startPayload(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	cmd := fields[0]
	if cmd != "/start" && !strings.HasPrefix(cmd, "/start@") {
		return "", false
	}
	return strings.Join(fields[1:], " "), true
}
