// Package telegram implements the relay Platform for Telegram forum
// supergroups using the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/lotdesk/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxRetryAfter caps the server-provided retry delay.
	maxRetryAfter = 30 * time.Second
	// inboundBuffer sizes the event channel.
	inboundBuffer = 100
	// maxTopicName is the Bot API limit on forum topic names.
	maxTopicName = 128
)

// botAPI abstracts the *bot.Bot methods we use, enabling test mocks.
type botAPI interface {
	GetMe(ctx context.Context) (*models.User, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	CreateForumTopic(ctx context.Context, params *bot.CreateForumTopicParams) (*models.ForumTopic, error)
	DeleteForumTopic(ctx context.Context, params *bot.DeleteForumTopicParams) (bool, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
	DeleteWebhook(ctx context.Context, params *bot.DeleteWebhookParams) (bool, error)
	Start(ctx context.Context)
	StartWebhook(ctx context.Context)
	WebhookHandler() http.HandlerFunc
}

// Adapter implements relay.Platform for Telegram.
type Adapter struct {
	api           botAPI
	token         string
	webhookURL    string
	webhookSecret string
	botUserID     string
	retryUnit     time.Duration

	mu        sync.Mutex
	connected bool
	listening bool
	closed    bool
	inbound   chan relay.Event
	stop      chan struct{}
	pending   sync.WaitGroup // updates being pushed to inbound
	cancel    context.CancelFunc
	runDone   chan struct{}
}

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	Token string
	// WebhookURL switches from long polling to webhook delivery. Updates
	// then arrive through WebhookHandler.
	WebhookURL    string
	WebhookSecret string
	// For testing: inject a mock bot instead of the real Bot API client.
	API botAPI
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.API == nil && opts.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	return &Adapter{
		api:           opts.API,
		token:         opts.Token,
		webhookURL:    opts.WebhookURL,
		webhookSecret: opts.WebhookSecret,
		retryUnit:     time.Second,
		inbound:       make(chan relay.Event, inboundBuffer),
		stop:          make(chan struct{}),
	}, nil
}

// Connect creates the Bot API client, resolves the bot's identity and
// configures update delivery. Pending updates queued while the relay was
// down are dropped.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.api == nil {
		opts := []bot.Option{
			bot.WithDefaultHandler(a.onUpdate),
			bot.WithSkipGetMe(),
		}
		if a.webhookSecret != "" {
			opts = append(opts, bot.WithWebhookSecretToken(a.webhookSecret))
		}
		b, err := bot.New(a.token, opts...)
		if err != nil {
			return fmt.Errorf("telegram: create bot: %w", err)
		}
		a.api = b
	}

	me, err := a.api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}
	a.botUserID = strconv.FormatInt(me.ID, 10)

	if a.webhookURL != "" {
		_, err = a.api.SetWebhook(ctx, &bot.SetWebhookParams{
			URL:                a.webhookURL,
			SecretToken:        a.webhookSecret,
			DropPendingUpdates: true,
		})
		if err != nil {
			return fmt.Errorf("telegram: set webhook: %w", err)
		}
	} else {
		_, err = a.api.DeleteWebhook(ctx, &bot.DeleteWebhookParams{DropPendingUpdates: true})
		if err != nil {
			return fmt.Errorf("telegram: delete webhook: %w", err)
		}
	}

	log.Info().Str("bot", me.Username).Str("id", a.botUserID).Bool("webhook", a.webhookURL != "").
		Msg("telegram: connected")
	a.connected = true
	return nil
}

// Listen starts update delivery and returns the inbound event channel.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if a.listening {
		return a.inbound, nil
	}
	a.listening = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.runDone = make(chan struct{})
	go func() {
		defer close(a.runDone)
		if a.webhookURL != "" {
			a.api.StartWebhook(runCtx)
		} else {
			a.api.Start(runCtx)
		}
	}()
	return a.inbound, nil
}

// WebhookHandler serves Telegram webhook requests. It responds 503 until
// the adapter is connected.
func (a *Adapter) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		api, ready := a.api, a.connected
		a.mu.Unlock()
		if !ready {
			http.Error(w, "telegram: not connected", http.StatusServiceUnavailable)
			return
		}
		api.WebhookHandler().ServeHTTP(w, r)
	})
}

// Send delivers a message to a private chat or into a forum topic.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) error {
	if err := a.ready(); err != nil {
		return err
	}
	params, err := buildSendParams(msg)
	if err != nil {
		return err
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.api.SendMessage(ctx, params)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// CreateThread opens a forum topic in group.
func (a *Adapter) CreateThread(ctx context.Context, group, title string) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	var topic *models.ForumTopic
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		topic, apiErr = a.api.CreateForumTopic(ctx, &bot.CreateForumTopicParams{ChatID: group, Name: relay.ClampTitle(title, maxTopicName)})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("telegram: create forum topic: %w", err)
	}
	return strconv.Itoa(topic.MessageThreadID), nil
}

// DeleteThread deletes a forum topic together with its messages.
func (a *Adapter) DeleteThread(ctx context.Context, group, threadID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	id, err := topicID(threadID)
	if err != nil {
		return err
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.api.DeleteForumTopic(ctx, &bot.DeleteForumTopicParams{ChatID: group, MessageThreadID: id})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("telegram: delete forum topic %s: %w", threadID, err)
	}
	return nil
}

// ProbeThread sends a typing indicator into the topic. Telegram rejects it
// with a bad request when the topic was deleted.
func (a *Adapter) ProbeThread(ctx context.Context, group, threadID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	id, err := topicID(threadID)
	if err != nil {
		return fmt.Errorf("telegram: probe: %w", relay.ErrThreadGone)
	}
	_, err = a.api.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID:          group,
		MessageThreadID: id,
		Action:          models.ChatActionTyping,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, bot.ErrorBadRequest) || errors.Is(err, bot.ErrorForbidden) {
		return fmt.Errorf("telegram: probe topic %s: %w: %v", threadID, relay.ErrThreadGone, err)
	}
	return fmt.Errorf("telegram: probe topic %s: %w", threadID, err)
}

// AnswerControl answers a callback query so the client stops its spinner.
func (a *Adapter) AnswerControl(ctx context.Context, controlID, text string) error {
	if err := a.ready(); err != nil {
		return err
	}
	_, err := a.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: controlID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: answer callback: %w", err)
	}
	return nil
}

// Close stops update delivery and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	cancel, runDone := a.cancel, a.runDone
	close(a.stop)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-runDone
	}
	a.pending.Wait()
	close(a.inbound)
	return nil
}

// MaxThreadTitle returns the forum topic name limit.
func (a *Adapter) MaxThreadTitle() int { return maxTopicName }

// BotUserID returns the bot's Telegram user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("telegram: not connected")
	}
	return nil
}

// onUpdate is the bot's default handler. Unsupported updates are dropped.
func (a *Adapter) onUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	ev, ok := toEvent(update)
	if !ok {
		return
	}

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

// toEvent converts a Telegram update into a relay event.
func toEvent(u *models.Update) (relay.Event, bool) {
	if u == nil {
		return relay.Event{}, false
	}
	id := strconv.FormatInt(u.ID, 10)

	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		ev := relay.Event{
			ID:          id,
			Sender:      toSender(&cq.From),
			ControlID:   cq.ID,
			ControlData: cq.Data,
			Timestamp:   time.Now(),
		}
		if m := cq.Message.Message; m != nil {
			ev.ChatID = strconv.FormatInt(m.Chat.ID, 10)
			ev.Private = m.Chat.Type == models.ChatTypePrivate
			ev.ThreadID = threadOf(m)
		}
		return ev, true

	case u.Message != nil:
		m := u.Message
		if m.From == nil {
			return relay.Event{}, false
		}
		return relay.Event{
			ID:        id,
			ChatID:    strconv.FormatInt(m.Chat.ID, 10),
			Private:   m.Chat.Type == models.ChatTypePrivate,
			ThreadID:  threadOf(m),
			Sender:    toSender(m.From),
			Text:      m.Text,
			Timestamp: time.Unix(int64(m.Date), 0),
		}, true
	}
	return relay.Event{}, false
}

// threadOf returns the forum topic a message belongs to. Messages in the
// General topic carry no thread.
func threadOf(m *models.Message) string {
	if !m.IsTopicMessage || m.MessageThreadID == 0 {
		return ""
	}
	return strconv.Itoa(m.MessageThreadID)
}

func toSender(u *models.User) relay.Sender {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return relay.Sender{
		ID:          strconv.FormatInt(u.ID, 10),
		DisplayName: name,
		Handle:      u.Username,
		IsBot:       u.IsBot,
	}
}

// buildSendParams translates an OutboundMessage into SendMessage params.
func buildSendParams(msg relay.OutboundMessage) (*bot.SendMessageParams, error) {
	chatID := msg.ChatID
	if msg.UserID != "" {
		chatID = msg.UserID
	}
	if chatID == "" {
		return nil, fmt.Errorf("telegram: no chat specified")
	}
	params := &bot.SendMessageParams{ChatID: chatID, Text: msg.Text}
	if msg.ThreadID != "" {
		id, err := topicID(msg.ThreadID)
		if err != nil {
			return nil, err
		}
		params.MessageThreadID = id
	}
	if msg.Control != nil {
		params.ReplyMarkup = &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: msg.Control.Label, CallbackData: msg.Control.Data}},
			},
		}
	}
	return params, nil
}

func topicID(threadID string) (int, error) {
	id, err := strconv.Atoi(threadID)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("telegram: invalid topic id %q", threadID)
	}
	return id, nil
}

// retryOnRateLimit calls fn and retries after the server-provided delay on
// Telegram flood-control errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var tooMany *bot.TooManyRequestsError
		if !errors.As(err, &tooMany) || attempt == maxRetries {
			return err
		}

		wait := time.Duration(tooMany.RetryAfter) * a.retryUnit
		if wait <= 0 {
			wait = a.retryUnit
		}
		if wait > maxRetryAfter {
			wait = maxRetryAfter
		}
		log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("telegram: rate limited, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
