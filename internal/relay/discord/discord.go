// Package discord implements the relay Platform for Discord using the Gateway
// WebSocket. Direct messages are user messages; the admin group is a guild
// text channel whose public threads hold the per-user dialogs.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/lotdesk/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// threadArchiveMinutes is the auto-archive duration of dialog threads (7 days).
	threadArchiveMinutes = 10080
	// maxThreadName is Discord's limit on channel and thread names.
	maxThreadName = 100
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := r.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return r.s.Channel(channelID)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ThreadStartComplex(channelID, data, options...)
}
func (r *realSession) ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelDelete(channelID, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements relay.Platform for Discord via the Gateway WebSocket.
type Adapter struct {
	sess        session
	botToken    string
	botUserID   string
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan relay.Event
	stop         chan struct{}
	pending      sync.WaitGroup
	removers     []func()
	dmChannels   map[string]string                // userID -> DM channel ID
	interactions map[string]*discordgo.Interaction // interaction ID -> unanswered interaction
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:         opts.Session,
		botToken:     opts.BotToken,
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		inbound:      make(chan relay.Event, 100),
		stop:         make(chan struct{}),
		dmChannels:   make(map[string]string),
		interactions: make(map[string]*discordgo.Interaction),
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.mu.Lock()
			a.botUserID = r.User.ID
			a.mu.Unlock()
			log.Info().Str("bot", r.User.Username).Str("id", r.User.ID).Msg("discord: connected")
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			log.Warn().Msg("discord: gateway disconnected, discordgo will auto-reconnect")
		}),
	)

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen registers message and interaction handlers and returns the inbound
// event channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(i)
		}),
	)
	return a.inbound, nil
}

// Send delivers a message. Direct messages go through the user's DM
// channel; thread messages are posted to the thread channel itself.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) error {
	if err := a.ready(); err != nil {
		return err
	}

	channelID := msg.ThreadID
	if channelID == "" {
		channelID = msg.ChatID
	}
	if msg.UserID != "" {
		dm, err := a.dmChannel(ctx, msg.UserID)
		if err != nil {
			return err
		}
		channelID = dm
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := buildMessageSend(msg)
	err := a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// CreateThread starts a public thread in the admin channel.
func (a *Adapter) CreateThread(ctx context.Context, group, title string) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	var thread *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		thread, apiErr = a.sess.ThreadStartComplex(group, &discordgo.ThreadStart{
			Name:                relay.ClampTitle(title, maxThreadName),
			AutoArchiveDuration: threadArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create thread: %w", err)
	}
	return thread.ID, nil
}

// DeleteThread deletes the thread channel.
func (a *Adapter) DeleteThread(ctx context.Context, group, threadID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelDelete(threadID)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: delete thread %s: %w", threadID, err)
	}
	return nil
}

// ProbeThread triggers the typing indicator in the thread.
func (a *Adapter) ProbeThread(ctx context.Context, group, threadID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	err := a.sess.ChannelTyping(threadID)
	if err == nil {
		return nil
	}
	if isGone(err) {
		return fmt.Errorf("discord: probe thread %s: %w: %v", threadID, relay.ErrThreadGone, err)
	}
	return fmt.Errorf("discord: probe thread %s: %w", threadID, err)
}

// AnswerControl responds to a button interaction with an ephemeral message.
func (a *Adapter) AnswerControl(ctx context.Context, controlID, text string) error {
	a.mu.Lock()
	in, ok := a.interactions[controlID]
	delete(a.interactions, controlID)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("discord: unknown interaction %s", controlID)
	}
	err := a.sess.InteractionRespond(in, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		return fmt.Errorf("discord: respond to interaction: %w", err)
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	close(a.stop)
	sess := a.sess
	a.mu.Unlock()

	a.pending.Wait()
	close(a.inbound)
	if sess != nil {
		return sess.Close()
	}
	return nil
}

// MaxThreadTitle returns the thread name limit.
func (a *Adapter) MaxThreadTitle() int { return maxThreadName }

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

func (a *Adapter) dmChannel(ctx context.Context, userID string) (string, error) {
	a.mu.Lock()
	id, ok := a.dmChannels[userID]
	a.mu.Unlock()
	if ok {
		return id, nil
	}
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.UserChannelCreate(userID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: open DM with %s: %w", userID, err)
	}
	a.mu.Lock()
	a.dmChannels[userID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

// handleMessage converts a Discord message event into a relay event.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	ev := relay.Event{
		ID:      m.ID,
		ChatID:  m.ChannelID,
		Private: m.GuildID == "",
		Sender:  toSender(m.Author),
		Text:    m.Content,
	}
	ev.Timestamp, _ = discordgo.SnowflakeTimestamp(m.ID)

	if ev.Private {
		a.mu.Lock()
		a.dmChannels[m.Author.ID] = m.ChannelID
		a.mu.Unlock()
	} else {
		ev.ChatID, ev.ThreadID = a.resolveThread(m.ChannelID)
	}
	a.push(ev)
}

// handleInteraction converts a button press into a control event. The
// interaction is kept until AnswerControl responds to it.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	ev := relay.Event{
		ID:          i.ID,
		Private:     i.GuildID == "",
		Sender:      toSender(user),
		ControlID:   i.ID,
		ControlData: i.MessageComponentData().CustomID,
	}
	ev.Timestamp, _ = discordgo.SnowflakeTimestamp(i.ID)
	ev.ChatID, ev.ThreadID = a.resolveThread(i.ChannelID)

	a.mu.Lock()
	a.interactions[i.ID] = i.Interaction
	a.mu.Unlock()
	a.push(ev)
}

// resolveThread maps a channel to (parent, thread) when it is a thread.
func (a *Adapter) resolveThread(channelID string) (string, string) {
	if ch, err := a.sess.Channel(channelID); err == nil && ch.IsThread() {
		return ch.ParentID, channelID
	}
	return channelID, ""
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

func toSender(u *discordgo.User) relay.Sender {
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return relay.Sender{ID: u.ID, DisplayName: name, Handle: u.Username, IsBot: u.Bot}
}

// buildMessageSend translates an OutboundMessage into a Discord MessageSend.
func buildMessageSend(msg relay.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: msg.Text}
	if msg.Control != nil {
		data.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    msg.Control.Label,
						Style:    discordgo.DangerButton,
						CustomID: msg.Control.Data,
					},
				},
			},
		}
	}
	return data
}

// isGone reports whether a REST error means the channel no longer exists
// or is no longer reachable by the bot.
func isGone(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	switch restErr.Response.StatusCode {
	case http.StatusNotFound, http.StatusForbidden:
		return true
	}
	return false
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("discord: rate limited, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
