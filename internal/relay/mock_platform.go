package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

// MockPlatform implements Platform for testing. It keeps a set of live
// threads, records every outbound message, and counts thread operations.
// Failures can be injected per operation.
type MockPlatform struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Event
	sent      []OutboundMessage
	answers   map[string]string // controlID -> text
	live      map[string]bool   // threadID -> exists
	titles    map[string]string // threadID -> title
	botUserID string
	counter   int

	creates int
	probes  int
	deletes int

	createErr   error
	deleteErr   error
	sendErr     error
	lookupErr   error
	createDelay time.Duration
	maxTitle    int
}

// NewMockPlatform creates a MockPlatform with a buffered inbound channel.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		inbound: make(chan Event, 100),
		answers: make(map[string]string),
		live:    make(map[string]bool),
		titles:  make(map[string]string),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockPlatform) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockPlatform) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the platform as connected.
func (m *MockPlatform) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock platform: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockPlatform) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock platform: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message.
func (m *MockPlatform) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

// CreateThread allocates a new live thread id.
func (m *MockPlatform) CreateThread(ctx context.Context, group, title string) (string, error) {
	m.mu.Lock()
	delay := m.createDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return "", m.createErr
	}
	if m.maxTitle > 0 && utf8.RuneCountInString(title) > m.maxTitle {
		return "", fmt.Errorf("mock platform: title longer than %d runes", m.maxTitle)
	}
	m.counter++
	id := fmt.Sprintf("thread-%d", m.counter)
	m.live[id] = true
	m.titles[id] = title
	return id, nil
}

// DeleteThread removes a thread.
func (m *MockPlatform) DeleteThread(ctx context.Context, group, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if !m.live[threadID] {
		return fmt.Errorf("mock platform: thread %s: %w", threadID, ErrThreadGone)
	}
	delete(m.live, threadID)
	return nil
}

// ProbeThread succeeds only for live threads. An injected probe error is
// returned as is, for any thread.
func (m *MockPlatform) ProbeThread(ctx context.Context, group, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	if m.lookupErr != nil {
		return m.lookupErr
	}
	if !m.live[threadID] {
		return fmt.Errorf("mock platform: thread %s: %w", threadID, ErrThreadGone)
	}
	return nil
}

// AnswerControl records the acknowledgment.
func (m *MockPlatform) AnswerControl(ctx context.Context, controlID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers[controlID] = text
	return nil
}

// MaxThreadTitle returns the configured title limit (implements
// ThreadTitleLimiter). Zero means no limit.
func (m *MockPlatform) MaxThreadTitle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTitle
}

// Close shuts down the mock platform and closes the inbound channel.
func (m *MockPlatform) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends an event into the inbound channel as if it came
// from the platform. Safe to call from any goroutine.
func (m *MockPlatform) SimulateInbound(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.inbound <- ev
}

// AddThread marks a thread as live, as if it existed before the test.
func (m *MockPlatform) AddThread(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[threadID] = true
}

// KillThread removes a thread out-of-band, as an admin deleting it by hand.
func (m *MockPlatform) KillThread(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, threadID)
}

// ThreadLive reports whether a thread exists.
func (m *MockPlatform) ThreadLive(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[threadID]
}

// ThreadTitle returns the title a thread was created with.
func (m *MockPlatform) ThreadTitle(threadID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.titles[threadID]
}

// SetCreateErr makes CreateThread fail with err (nil restores success).
func (m *MockPlatform) SetCreateErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteErr makes DeleteThread fail with err.
func (m *MockPlatform) SetDeleteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// SetSendErr makes Send fail with err.
func (m *MockPlatform) SetSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetLookupErr makes ProbeThread fail with err (nil restores normal lookups).
func (m *MockPlatform) SetLookupErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupErr = err
}

// SetMaxThreadTitle makes CreateThread reject titles longer than n runes.
func (m *MockPlatform) SetMaxThreadTitle(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxTitle = n
}

// SetCreateDelay slows CreateThread down to widen race windows.
func (m *MockPlatform) SetCreateDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createDelay = d
}

// Creates returns the number of CreateThread calls.
func (m *MockPlatform) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// Probes returns the number of ProbeThread calls.
func (m *MockPlatform) Probes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}

// Deletes returns the number of DeleteThread calls.
func (m *MockPlatform) Deletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockPlatform) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the messages sent directly to userID.
func (m *MockPlatform) SentTo(userID string) []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboundMessage
	for _, s := range m.sent {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// SentInThread returns the messages posted into threadID.
func (m *MockPlatform) SentInThread(threadID string) []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboundMessage
	for _, s := range m.sent {
		if s.ThreadID == threadID && s.UserID == "" {
			out = append(out, s)
		}
	}
	return out
}

// Answer returns the acknowledgment recorded for a control activation.
func (m *MockPlatform) Answer(controlID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.answers[controlID]
	return text, ok
}
