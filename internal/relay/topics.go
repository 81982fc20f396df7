package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zulandar/lotdesk/internal/catalog"
	"github.com/zulandar/lotdesk/internal/dialog"
	"github.com/zulandar/lotdesk/internal/gate"
	"github.com/zulandar/lotdesk/internal/models"
	"github.com/zulandar/lotdesk/internal/topiccache"
)

var (
	// ErrTopicUnavailable is returned when no live thread could be found or
	// created for a user message. The user has been told to try later.
	ErrTopicUnavailable = errors.New("relay: topic unavailable")
	// ErrUnknownThread is returned when an admin reply arrives on a thread
	// that no dialog owns. The reply is dropped.
	ErrUnknownThread = errors.New("relay: unknown thread")
)

// DialogStore is the persistence the topic manager needs. *dialog.Store
// implements it.
type DialogStore interface {
	GetOrCreate(ctx context.Context, p dialog.Profile) (*models.Dialog, bool, error)
	FindByExternalID(ctx context.Context, externalUserID string) (*models.Dialog, error)
	FindByThreadID(ctx context.Context, threadID string) (*models.Dialog, error)
	UpdateThreadID(ctx context.Context, dialogID uint, threadID *string) error
	SetSubject(ctx context.Context, dialogID uint, lotID *uint) error
	AppendMessage(ctx context.Context, dialogID uint, text string, dir models.Direction) (*models.Message, error)
}

// LotResolver resolves catalog lots. *catalog.Reader implements it.
type LotResolver interface {
	Lot(ctx context.Context, id uint) (*models.Lot, error)
}

// UserMessage is a direct message from an external user.
type UserMessage struct {
	UserID      string
	DisplayName string
	Handle      string
	Text        string
}

func (um UserMessage) profile() dialog.Profile {
	return dialog.Profile{ExternalUserID: um.UserID, DisplayName: um.DisplayName, Handle: um.Handle}
}

// AdminReply is a message posted by an admin inside a support thread.
type AdminReply struct {
	ThreadID string
	SenderID string
	Text     string
}

// Outcome describes how a user message was handled.
type Outcome struct {
	ThreadID string // thread the notification went to
	Created  bool   // the thread was created for this message
	Busy     bool   // the gate was held; the user was asked to resend
}

// TopicManager owns the lifecycle of per-user admin threads: it validates
// or creates a user's thread, relays messages through it, and tears it down
// on close.
type TopicManager struct {
	store         DialogStore
	cache         topiccache.Cache
	gate          gate.Gate
	platform      Platform
	catalog       LotResolver
	adminGroup    string
	adminUser     string
	topicTTL      time.Duration
	lease         time.Duration
	wait          time.Duration
	notifyUnknown bool
	maxTitle      int
	states        *stateTable
}

// TopicManagerOpts holds parameters for creating a TopicManager.
type TopicManagerOpts struct {
	Store               DialogStore
	Cache               topiccache.Cache // defaults to topiccache.Nop
	Gate                gate.Gate
	Platform            Platform
	Catalog             LotResolver // optional; without it lot payloads never resolve
	AdminGroup          string
	AdminUser           string        // optional fallback admin for alerts
	TopicTTL            time.Duration // defaults to topiccache.DefaultTTL
	Lease               time.Duration // defaults to gate.DefaultLease
	Wait                time.Duration // defaults to gate.DefaultWait
	NotifyUnknownThread bool
}

// NewTopicManager creates a TopicManager.
func NewTopicManager(opts TopicManagerOpts) (*TopicManager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: topic manager: store is required")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("relay: topic manager: gate is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("relay: topic manager: platform is required")
	}
	if opts.AdminGroup == "" {
		return nil, fmt.Errorf("relay: topic manager: admin group is required")
	}
	cache := opts.Cache
	if cache == nil {
		cache = topiccache.Nop{}
	}
	ttl := opts.TopicTTL
	if ttl <= 0 {
		ttl = topiccache.DefaultTTL
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = gate.DefaultLease
	}
	wait := opts.Wait
	if wait <= 0 {
		wait = gate.DefaultWait
	}
	maxTitle := DefaultMaxTitleLen
	if tl, ok := opts.Platform.(ThreadTitleLimiter); ok && tl.MaxThreadTitle() > 0 {
		maxTitle = tl.MaxThreadTitle()
	}
	return &TopicManager{
		store:         opts.Store,
		cache:         cache,
		gate:          opts.Gate,
		platform:      opts.Platform,
		catalog:       opts.Catalog,
		adminGroup:    opts.AdminGroup,
		adminUser:     opts.AdminUser,
		topicTTL:      ttl,
		lease:         lease,
		wait:          wait,
		notifyUnknown: opts.NotifyUnknownThread,
		maxTitle:      maxTitle,
		states:        newStateTable(),
	}, nil
}

// State returns the lifecycle state of a user's thread as seen by this
// process. With a Redis or database gate several processes share users, and
// each reports only the transitions it made itself; the store and the
// platform remain the source of truth.
func (m *TopicManager) State(userID string) TopicState {
	return m.states.get(userID)
}

func gateKey(userID string) string {
	return "topic:" + userID
}

// HandleUserMessage relays one direct message into the user's admin thread,
// validating the existing thread or creating a new one first. Only thread
// validation and creation run under the per-user gate; persisting and
// delivering the message happen after the gate is released.
func (m *TopicManager) HandleUserMessage(ctx context.Context, um UserMessage) (Outcome, error) {
	d, _, err := m.store.GetOrCreate(ctx, um.profile())
	if err != nil {
		return Outcome{}, fmt.Errorf("relay: user message from %s: %w", um.UserID, err)
	}

	lease, err := m.gate.Acquire(ctx, gateKey(um.UserID), m.lease, m.wait)
	if errors.Is(err, gate.ErrBusy) {
		log.Info().Str("user", um.UserID).Msg("relay: gate busy, asking user to resend")
		m.notifyUser(ctx, um.UserID, TextPleaseWait)
		return Outcome{Busy: true}, nil
	}
	if err != nil {
		m.notifyUser(ctx, um.UserID, TextTryLater)
		return Outcome{}, fmt.Errorf("relay: acquire gate for %s: %w", um.UserID, err)
	}

	threadID, created, err := m.resolveThread(ctx, d)
	if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
		log.Warn().Err(rerr).Str("user", um.UserID).Msg("relay: release gate")
	}
	if err != nil {
		m.notifyUser(ctx, um.UserID, TextTryLater)
		m.alertAdmin(ctx, formatCreateAlert(d, err))
		return Outcome{}, err
	}
	out := Outcome{ThreadID: threadID, Created: created}

	if _, err := m.store.AppendMessage(ctx, d.ID, um.Text, models.FromUser); err != nil {
		return out, fmt.Errorf("relay: persist message from %s: %w", um.UserID, err)
	}

	msg := OutboundMessage{
		ChatID:   m.adminGroup,
		ThreadID: threadID,
		Text:     formatNotification(d, m.subject(ctx, d), um.Text),
	}
	if created {
		msg.Control = CloseControl(um.UserID)
	}
	if err := m.platform.Send(ctx, msg); err != nil {
		return out, fmt.Errorf("relay: deliver to thread %s: %w", threadID, err)
	}
	m.notifyUser(ctx, um.UserID, TextSent)

	log.Debug().Str("user", um.UserID).Str("thread", threadID).Bool("created", created).Msg("relay: user message relayed")
	return out, nil
}

// resolveThread returns a live thread for d, creating one when neither the
// cached nor the stored id survives a probe. Must be called under the gate.
func (m *TopicManager) resolveThread(ctx context.Context, d *models.Dialog) (string, bool, error) {
	user := d.ExternalUserID
	defer m.states.settle(user)

	prev := m.states.get(user)
	if err := m.states.move(user, Validating); err != nil {
		return "", false, err
	}

	for _, cand := range m.candidates(ctx, d) {
		if err := m.platform.ProbeThread(ctx, m.adminGroup, cand); err != nil {
			if !errors.Is(err, ErrThreadGone) {
				// The thread may still be live; creating another would fork
				// the conversation. The next message checks again.
				if prev == Active {
					if merr := m.states.move(user, Active); merr != nil {
						log.Warn().Err(merr).Str("user", user).Msg("relay: restore state")
					}
				}
				return "", false, fmt.Errorf("%w: check thread %s for %s: %w", ErrTopicUnavailable, cand, user, err)
			}
			log.Info().Err(err).Str("user", user).Str("thread", cand).Msg("relay: thread gone")
			continue
		}
		if !d.HasThread() || *d.ThreadID != cand {
			if err := m.store.UpdateThreadID(ctx, d.ID, &cand); err != nil {
				return "", false, fmt.Errorf("%w: store thread for %s: %w", ErrTopicUnavailable, user, err)
			}
			d.ThreadID = &cand
		}
		m.cacheSet(ctx, user, cand)
		return cand, false, m.states.move(user, Active)
	}

	if err := m.states.move(user, NoThread); err != nil {
		return "", false, err
	}
	m.cacheDelete(ctx, user)

	threadID, err := m.platform.CreateThread(ctx, m.adminGroup, threadTitle(d, m.maxTitle))
	if err != nil {
		return "", false, fmt.Errorf("%w: create thread for %s: %w", ErrTopicUnavailable, user, err)
	}
	if err := m.store.UpdateThreadID(ctx, d.ID, &threadID); err != nil {
		m.bestEffort("delete orphan thread", func() error {
			return m.platform.DeleteThread(ctx, m.adminGroup, threadID)
		})
		return "", false, fmt.Errorf("%w: store thread for %s: %w", ErrTopicUnavailable, user, err)
	}
	d.ThreadID = &threadID
	m.cacheSet(ctx, user, threadID)

	log.Info().Str("user", user).Str("thread", threadID).Msg("relay: thread created")
	return threadID, true, m.states.move(user, Active)
}

// candidates lists thread ids worth probing: the cached id first, then the
// stored id when it differs.
func (m *TopicManager) candidates(ctx context.Context, d *models.Dialog) []string {
	var out []string
	cached, ok, err := m.cache.Get(ctx, d.ExternalUserID)
	if err != nil {
		log.Warn().Err(err).Str("user", d.ExternalUserID).Msg("relay: cache get, treating as miss")
	} else if ok && cached != "" {
		out = append(out, cached)
	}
	if d.HasThread() && (len(out) == 0 || out[0] != *d.ThreadID) {
		out = append(out, *d.ThreadID)
	}
	return out
}

// HandleStart processes "/start [payload]". A "lot_<id>" payload sets the
// dialog's subject to that lot; an empty payload clears it.
func (m *TopicManager) HandleStart(ctx context.Context, um UserMessage, payload string) error {
	d, _, err := m.store.GetOrCreate(ctx, um.profile())
	if err != nil {
		return fmt.Errorf("relay: start from %s: %w", um.UserID, err)
	}

	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "lot_") {
		if err := m.store.SetSubject(ctx, d.ID, nil); err != nil {
			return fmt.Errorf("relay: clear subject for %s: %w", um.UserID, err)
		}
		m.notifyUser(ctx, um.UserID, TextGreeting)
		return nil
	}

	lot, err := m.lookupLot(ctx, strings.TrimPrefix(payload, "lot_"))
	if errors.Is(err, catalog.ErrLotNotFound) {
		m.notifyUser(ctx, um.UserID, TextLotNotFound)
		return nil
	}
	if err != nil {
		return fmt.Errorf("relay: start from %s: %w", um.UserID, err)
	}

	lotID := lot.ID
	if err := m.store.SetSubject(ctx, d.ID, &lotID); err != nil {
		return fmt.Errorf("relay: set subject for %s: %w", um.UserID, err)
	}
	m.notifyUser(ctx, um.UserID, formatLotPrompt(lot))
	return nil
}

func (m *TopicManager) lookupLot(ctx context.Context, raw string) (*models.Lot, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 || m.catalog == nil {
		return nil, catalog.ErrLotNotFound
	}
	return m.catalog.Lot(ctx, uint(id))
}

// subject resolves the dialog's current lot, or nil when unset or dangling.
func (m *TopicManager) subject(ctx context.Context, d *models.Dialog) *models.Lot {
	if d.SubjectRef == nil || m.catalog == nil {
		return nil
	}
	lot, err := m.catalog.Lot(ctx, *d.SubjectRef)
	if err != nil {
		if !errors.Is(err, catalog.ErrLotNotFound) {
			log.Warn().Err(err).Uint("lot", *d.SubjectRef).Msg("relay: resolve subject")
		}
		return nil
	}
	return lot
}

// Close tears down a user's thread: the remote thread is deleted on a
// best-effort basis, and the cached and stored thread ids are cleared.
// Message history is untouched. The dialog is read under the gate so a
// thread created by a concurrent message is the one that gets deleted.
func (m *TopicManager) Close(ctx context.Context, userID string) error {
	lease, err := m.gate.Acquire(ctx, gateKey(userID), m.lease, m.wait)
	if err != nil {
		return fmt.Errorf("relay: close %s: %w", userID, err)
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Warn().Err(rerr).Str("user", userID).Msg("relay: release gate")
		}
	}()

	d, err := m.store.FindByExternalID(ctx, userID)
	if err != nil {
		return fmt.Errorf("relay: close %s: %w", userID, err)
	}

	m.states.settle(userID)
	if err := m.states.move(userID, Closed); err != nil {
		return err
	}
	defer func() {
		if err := m.states.move(userID, NoThread); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("relay: reset state after close")
		}
	}()

	for _, threadID := range m.candidates(ctx, d) {
		m.bestEffort("delete thread", func() error {
			return m.platform.DeleteThread(ctx, m.adminGroup, threadID)
		})
	}
	m.cacheDelete(ctx, userID)
	if err := m.store.UpdateThreadID(ctx, d.ID, nil); err != nil {
		return fmt.Errorf("relay: close %s: %w", userID, err)
	}

	log.Info().Str("user", userID).Msg("relay: dialog closed")
	return nil
}

// HandleAdminReply delivers an admin's in-thread reply to the user who owns
// the thread. Replies on threads no dialog owns return ErrUnknownThread.
func (m *TopicManager) HandleAdminReply(ctx context.Context, r AdminReply) error {
	d, err := m.store.FindByThreadID(ctx, r.ThreadID)
	if errors.Is(err, dialog.ErrNotFound) {
		log.Warn().Str("thread", r.ThreadID).Str("admin", r.SenderID).Msg("relay: reply on unknown thread dropped")
		if m.notifyUnknown {
			m.bestEffort("unknown thread notice", func() error {
				return m.platform.Send(ctx, OutboundMessage{ChatID: m.adminGroup, ThreadID: r.ThreadID, Text: TextUnknownThread})
			})
		}
		return fmt.Errorf("relay: reply on thread %s: %w", r.ThreadID, ErrUnknownThread)
	}
	if err != nil {
		return fmt.Errorf("relay: reply on thread %s: %w", r.ThreadID, err)
	}

	if _, err := m.store.AppendMessage(ctx, d.ID, r.Text, models.FromAdmin); err != nil {
		return fmt.Errorf("relay: persist reply for %s: %w", d.ExternalUserID, err)
	}
	if err := m.platform.Send(ctx, OutboundMessage{UserID: d.ExternalUserID, Text: r.Text}); err != nil {
		return fmt.Errorf("relay: deliver reply to %s: %w", d.ExternalUserID, err)
	}
	return nil
}

func (m *TopicManager) cacheSet(ctx context.Context, userID, threadID string) {
	if err := m.cache.Set(ctx, userID, threadID, m.topicTTL); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("relay: cache set")
	}
}

func (m *TopicManager) cacheDelete(ctx context.Context, userID string) {
	if err := m.cache.Delete(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("relay: cache delete")
	}
}

func (m *TopicManager) notifyUser(ctx context.Context, userID, text string) {
	if err := m.platform.Send(ctx, OutboundMessage{UserID: userID, Text: text}); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("relay: notify user")
	}
}

func (m *TopicManager) alertAdmin(ctx context.Context, text string) {
	if m.adminUser == "" {
		return
	}
	m.bestEffort("admin alert", func() error {
		return m.platform.Send(ctx, OutboundMessage{UserID: m.adminUser, Text: text})
	})
}

// bestEffort runs op and logs a failure instead of returning it. Used where
// local consistency matters more than the remote side effect.
func (m *TopicManager) bestEffort(op string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("op", op).Str("kind", "best_effort").Msg("relay: best-effort operation failed")
	}
}
