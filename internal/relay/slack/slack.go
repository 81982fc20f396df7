// Package slack implements the relay Platform for Slack using Socket Mode.
// Direct messages are user messages; the admin group is a channel, and a
// dialog thread is a parent message identified by its timestamp.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/lotdesk/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// closeActionID identifies the close button in block actions.
	closeActionID = "relay_control"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	PostEphemeral(channelID, userID string, options ...slackapi.MsgOption) (string, error)
	DeleteMessage(channel, messageTimestamp string) (string, string, error)
	GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// pendingControl remembers where a button was pressed so the answer can be
// shown to the presser.
type pendingControl struct {
	channelID string
	userID    string
	threadTS  string
}

// Adapter implements relay.Platform for Slack Socket Mode.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int

	mu         sync.Mutex
	connected  bool
	closed     bool
	inbound    chan relay.Event
	stop       chan struct{}
	pending    sync.WaitGroup
	cancelFunc context.CancelFunc
	controls   map[string]pendingControl // trigger ID -> press location
	names      map[string]relay.Sender   // user ID -> resolved profile
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
		inbound:      make(chan relay.Event, 100),
		stop:         make(chan struct{}),
		controls:     make(map[string]pendingControl),
		names:        make(map[string]relay.Sender),
	}, nil
}

// Connect creates the API clients and resolves the bot's user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the inbound event
// channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
	return a.inbound, nil
}

// Send posts a message. Direct messages are posted to the user ID, which
// Slack resolves to the app DM.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) error {
	if err := a.ready(); err != nil {
		return err
	}
	channelID := msg.ChatID
	if msg.UserID != "" {
		channelID = msg.UserID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// CreateThread posts the parent message of a new dialog thread and returns
// its timestamp.
func (a *Adapter) CreateThread(ctx context.Context, group, title string) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessage(group, slackapi.MsgOptionText("🧵 "+title, false))
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: create thread: %w", err)
	}
	return ts, nil
}

// DeleteThread deletes the parent message of a dialog thread.
func (a *Adapter) DeleteThread(ctx context.Context, group, threadID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, delErr := a.client.DeleteMessage(group, threadID)
		return delErr
	})
	if err != nil {
		return fmt.Errorf("slack: delete thread %s: %w", threadID, err)
	}
	return nil
}

// ProbeThread reads the thread's parent message. A missing or deleted
// parent means the thread is gone.
func (a *Adapter) ProbeThread(ctx context.Context, group, threadID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	msgs, _, _, err := a.client.GetConversationReplies(&slackapi.GetConversationRepliesParameters{
		ChannelID: group,
		Timestamp: threadID,
		Limit:     1,
	})
	if err != nil {
		if isGone(err) {
			return fmt.Errorf("slack: probe thread %s: %w: %v", threadID, relay.ErrThreadGone, err)
		}
		return fmt.Errorf("slack: probe thread %s: %w", threadID, err)
	}
	if len(msgs) == 0 || msgs[0].SubType == "tombstone" {
		return fmt.Errorf("slack: probe thread %s: %w", threadID, relay.ErrThreadGone)
	}
	return nil
}

// AnswerControl shows text to the user who pressed the button.
func (a *Adapter) AnswerControl(ctx context.Context, controlID, text string) error {
	a.mu.Lock()
	pc, ok := a.controls[controlID]
	delete(a.controls, controlID)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("slack: unknown control %s", controlID)
	}

	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if pc.threadTS != "" {
		options = append(options, slackapi.MsgOptionTS(pc.threadTS))
	}
	if _, err := a.client.PostEphemeral(pc.channelID, pc.userID, options...); err != nil {
		return fmt.Errorf("slack: post ephemeral: %w", err)
	}
	return nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.stop)
	a.mu.Unlock()

	a.pending.Wait()
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run returns an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).Msg("slack: socket mode disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Error().Int("attempts", a.maxReconnect).Msg("slack: socket mode reconnection attempts exhausted")
}

// pumpEvents reads Socket Mode events and converts them to relay events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			a.handleMessage(msg)
		}

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleInteraction(callback)

	case socketmode.EventTypeConnected:
		log.Info().Msg("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Warn().Interface("data", evt.Data).Msg("slack: connection error")

	case socketmode.EventTypeDisconnect:
		log.Warn().Msg("slack: server requested disconnect, will reconnect")
	}
}

// handleMessage converts a Slack message event to a relay event. Edits,
// deletions and other subtypes are dropped.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.SubType != "" || ev.User == "" {
		return
	}
	sender := a.resolveSender(ev.User)
	sender.IsBot = ev.BotID != ""

	threadID := ev.ThreadTimeStamp
	if threadID == ev.TimeStamp {
		threadID = ""
	}
	a.push(relay.Event{
		ID:        ev.Channel + ":" + ev.TimeStamp,
		ChatID:    ev.Channel,
		Private:   ev.ChannelType == "im",
		ThreadID:  threadID,
		Sender:    sender,
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	})
}

// handleInteraction converts a close button press into a control event.
func (a *Adapter) handleInteraction(cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions {
		return
	}
	var data string
	for _, action := range cb.ActionCallback.BlockActions {
		if action != nil && action.ActionID == closeActionID {
			data = action.Value
			break
		}
	}
	if data == "" {
		return
	}

	channelID := cb.Container.ChannelID
	if channelID == "" {
		channelID = cb.Channel.ID
	}
	threadTS := cb.Container.ThreadTs

	a.mu.Lock()
	a.controls[cb.TriggerID] = pendingControl{channelID: channelID, userID: cb.User.ID, threadTS: threadTS}
	a.mu.Unlock()

	sender := a.resolveSender(cb.User.ID)
	a.push(relay.Event{
		ID:          "action:" + cb.TriggerID,
		ChatID:      channelID,
		ThreadID:    threadTS,
		Sender:      sender,
		ControlID:   cb.TriggerID,
		ControlData: data,
		Timestamp:   time.Now(),
	})
}

func (a *Adapter) push(ev relay.Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.pending.Add(1)
	a.mu.Unlock()
	defer a.pending.Done()

	select {
	case a.inbound <- ev:
	case <-a.stop:
	}
}

// resolveSender looks up a user's profile once and caches it. Falls back to
// the user ID.
func (a *Adapter) resolveSender(userID string) relay.Sender {
	a.mu.Lock()
	s, ok := a.names[userID]
	a.mu.Unlock()
	if ok {
		return s
	}

	s = relay.Sender{ID: userID, DisplayName: userID}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		log.Debug().Err(err).Str("user", userID).Msg("slack: user info")
		return s
	}
	s.Handle = user.Name
	switch {
	case user.Profile.DisplayName != "":
		s.DisplayName = user.Profile.DisplayName
	case user.RealName != "":
		s.DisplayName = user.RealName
	}
	a.mu.Lock()
	a.names[userID] = s
	a.mu.Unlock()
	return s
}

// buildMessageOptions translates an OutboundMessage into Slack MsgOptions.
func buildMessageOptions(msg relay.OutboundMessage) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.ThreadID != "" && msg.UserID == "" {
		options = append(options, slackapi.MsgOptionTS(msg.ThreadID))
	}
	if msg.Control != nil {
		text := slackapi.NewTextBlockObject(slackapi.PlainTextType, msg.Text, false, false)
		label := slackapi.NewTextBlockObject(slackapi.PlainTextType, msg.Control.Label, false, false)
		button := slackapi.NewButtonBlockElement(closeActionID, msg.Control.Data, label).WithStyle(slackapi.StyleDanger)
		options = append(options, slackapi.MsgOptionBlocks(
			slackapi.NewSectionBlock(text, nil, nil),
			slackapi.NewActionBlock("relay_controls", button),
		))
	}
	return options
}

// isGone reports whether a Slack API error means the thread parent or the
// channel no longer exists.
func isGone(err error) bool {
	msg := err.Error()
	for _, code := range []string{"thread_not_found", "message_not_found", "channel_not_found", "not_in_channel", "is_archived"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
