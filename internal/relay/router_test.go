package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// recordingTopics is a TopicHandler that records calls.
type recordingTopics struct {
	mu       sync.Mutex
	messages []UserMessage
	starts   []string
	replies  []AdminReply
	closes   []string
	closeErr error
	panicOn  string
}

func (r *recordingTopics) HandleUserMessage(ctx context.Context, um UserMessage) (Outcome, error) {
	if r.panicOn != "" && um.Text == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, um)
	return Outcome{}, nil
}

func (r *recordingTopics) HandleStart(ctx context.Context, um UserMessage, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, payload)
	return nil
}

func (r *recordingTopics) HandleAdminReply(ctx context.Context, ar AdminReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, ar)
	return nil
}

func (r *recordingTopics) Close(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, userID)
	return r.closeErr
}

func (r *recordingTopics) userMessages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newTestRouter(t *testing.T, topics TopicHandler, botUserID string) (*Router, *MockPlatform) {
	t.Helper()
	p := NewMockPlatform()
	r, err := NewRouter(RouterOpts{Topics: topics, Platform: p, AdminGroup: testGroup, BotUserID: botUserID})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r, p
}

// ---------------------------------------------------------------------------
// NewRouter tests
// ---------------------------------------------------------------------------

func TestNewRouter_RequiredFields(t *testing.T) {
	tests := []struct {
		name string
		opts RouterOpts
		want string
	}{
		{"topics", RouterOpts{Platform: NewMockPlatform(), AdminGroup: testGroup}, "topic handler is required"},
		{"platform", RouterOpts{Topics: &recordingTopics{}, AdminGroup: testGroup}, "platform is required"},
		{"admin group", RouterOpts{Topics: &recordingTopics{}, Platform: NewMockPlatform()}, "admin group is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Classify tests
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	r, _ := newTestRouter(t, &recordingTopics{}, "999")
	user := Sender{ID: "42", DisplayName: "Alice"}
	admin := Sender{ID: "1", DisplayName: "Support"}

	tests := []struct {
		name string
		ev   Event
		want Route
	}{
		{"private text", Event{ChatID: "42", Private: true, Sender: user, Text: "hello"}, RouteUserMessage},
		{"private start", Event{ChatID: "42", Private: true, Sender: user, Text: "/start"}, RouteStart},
		{"private start payload", Event{ChatID: "42", Private: true, Sender: user, Text: "/start lot_7"}, RouteStart},
		{"private start mention", Event{ChatID: "42", Private: true, Sender: user, Text: "/start@lotdesk_bot lot_7"}, RouteStart},
		{"private startle", Event{ChatID: "42", Private: true, Sender: user, Text: "/startle"}, RouteUserMessage},
		{"private empty", Event{ChatID: "42", Private: true, Sender: user, Text: "   "}, RouteIgnore},
		{"admin threaded", Event{ChatID: testGroup, ThreadID: "7", Sender: admin, Text: "hi"}, RouteAdminReply},
		{"admin general", Event{ChatID: testGroup, Sender: admin, Text: "hi"}, RouteIgnore},
		{"admin threaded empty", Event{ChatID: testGroup, ThreadID: "7", Sender: admin}, RouteIgnore},
		{"admin control", Event{ChatID: testGroup, ThreadID: "7", Sender: admin, ControlID: "cb1", ControlData: "close:42"}, RouteClose},
		{"control elsewhere", Event{ChatID: "42", Private: true, Sender: user, ControlID: "cb1", ControlData: "close:42"}, RouteIgnore},
		{"bot sender", Event{ChatID: testGroup, ThreadID: "7", Sender: Sender{ID: "5", IsBot: true}, Text: "hi"}, RouteIgnore},
		{"self sender", Event{ChatID: "42", Private: true, Sender: Sender{ID: "999"}, Text: "hi"}, RouteIgnore},
		{"other group", Event{ChatID: "-100777", ThreadID: "7", Sender: admin, Text: "hi"}, RouteIgnore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Classify(tt.ev); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStartPayload(t *testing.T) {
	tests := []struct {
		text    string
		payload string
		ok      bool
	}{
		{"/start", "", true},
		{"/start lot_7", "lot_7", true},
		{"/start@bot  lot_7 ", "lot_7", true},
		{"/help", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		payload, ok := startPayload(tt.text)
		if payload != tt.payload || ok != tt.ok {
			t.Errorf("startPayload(%q) = %q/%v, want %q/%v", tt.text, payload, ok, tt.payload, tt.ok)
		}
	}
}

// ---------------------------------------------------------------------------
// Handle tests
// ---------------------------------------------------------------------------

func TestHandle_Dispatch(t *testing.T) {
	topics := &recordingTopics{}
	r, _ := newTestRouter(t, topics, "")
	ctx := context.Background()
	user := Sender{ID: "42", DisplayName: "Alice", Handle: "alice"}

	r.Handle(ctx, Event{ChatID: "42", Private: true, Sender: user, Text: "  hello  "})
	r.Handle(ctx, Event{ChatID: "42", Private: true, Sender: user, Text: "/start lot_3"})
	r.Handle(ctx, Event{ChatID: testGroup, ThreadID: "7", Sender: Sender{ID: "1"}, Text: "reply"})
	r.Handle(ctx, Event{ChatID: testGroup, Sender: Sender{ID: "1"}, Text: "chatter"})

	if len(topics.messages) != 1 || topics.messages[0].Text != "hello" || topics.messages[0].Handle != "alice" {
		t.Errorf("messages = %+v, want trimmed hello from alice", topics.messages)
	}
	if len(topics.starts) != 1 || topics.starts[0] != "lot_3" {
		t.Errorf("starts = %v, want [lot_3]", topics.starts)
	}
	if len(topics.replies) != 1 || topics.replies[0].ThreadID != "7" || topics.replies[0].SenderID != "1" {
		t.Errorf("replies = %+v, want one on thread 7", topics.replies)
	}
}

func TestHandle_CloseAnswersControl(t *testing.T) {
	topics := &recordingTopics{}
	r, p := newTestRouter(t, topics, "")

	r.Handle(context.Background(), Event{ChatID: testGroup, ThreadID: "7", Sender: Sender{ID: "1"}, ControlID: "cb1", ControlData: "close:42"})

	if len(topics.closes) != 1 || topics.closes[0] != "42" {
		t.Errorf("closes = %v, want [42]", topics.closes)
	}
	if got, ok := p.Answer("cb1"); !ok || got != TextDialogClosed {
		t.Errorf("answer = %q/%v, want %q", got, ok, TextDialogClosed)
	}
}

func TestHandle_CloseFailureAnswered(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		closeErr error
	}{
		{"handler error", "close:42", errors.New("db down")},
		{"garbage data", "open:42", nil},
		{"missing user", "close:", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, p := newTestRouter(t, &recordingTopics{closeErr: tt.closeErr}, "")
			r.Handle(context.Background(), Event{ChatID: testGroup, Sender: Sender{ID: "1"}, ControlID: "cb1", ControlData: tt.data})
			if got, _ := p.Answer("cb1"); got != TextCloseFailed {
				t.Errorf("answer = %q, want %q", got, TextCloseFailed)
			}
		})
	}
}

func TestHandle_RecoversPanic(t *testing.T) {
	topics := &recordingTopics{panicOn: "explode"}
	r, _ := newTestRouter(t, topics, "")
	ctx := context.Background()

	r.Handle(ctx, Event{ChatID: "42", Private: true, Sender: Sender{ID: "42"}, Text: "explode"})
	r.Handle(ctx, Event{ChatID: "42", Private: true, Sender: Sender{ID: "42"}, Text: "still alive"})

	if topics.userMessages() != 1 {
		t.Errorf("user messages = %d, want 1 after recovered panic", topics.userMessages())
	}
}

// TestRouter_AliceScenario walks a full conversation through the router and
// a real TopicManager.
func TestRouter_AliceScenario(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.seedLot(t, 7, "Red bike", 15000)
	r, err := NewRouter(RouterOpts{Topics: f.topics, Platform: f.platform, AdminGroup: testGroup, BotUserID: "999"})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	ctx := context.Background()
	aliceSender := Sender{ID: "42", DisplayName: "Alice", Handle: "alice"}

	// Alice opens the bot from a lot link.
	r.Handle(ctx, Event{ID: "1", ChatID: "42", Private: true, Sender: aliceSender, Text: "/start lot_7"})
	if got := lastText(f.platform.SentTo("42")); !strings.Contains(got, "Red bike") {
		t.Fatalf("start reply = %q, want lot prompt", got)
	}

	// Her first message opens a thread titled with her name.
	r.Handle(ctx, Event{ID: "2", ChatID: "42", Private: true, Sender: aliceSender, Text: "How much?"})
	d := f.dialogFor(t, "42")
	if !d.HasThread() {
		t.Fatal("no thread after first message")
	}
	thread := *d.ThreadID
	if got := f.platform.ThreadTitle(thread); got != "Alice" {
		t.Errorf("thread title = %q, want Alice", got)
	}
	notes := f.platform.SentInThread(thread)
	if len(notes) != 1 {
		t.Fatalf("thread notifications = %d, want 1", len(notes))
	}
	want := "🧑 Alice @alice\nID: 42\n🖼️ Red bike, 15 000\n\n💬 How much?"
	if notes[0].Text != want {
		t.Errorf("notification = %q, want %q", notes[0].Text, want)
	}
	if notes[0].Control == nil || notes[0].Control.Data != "close:42" {
		t.Errorf("notification control = %+v, want close:42", notes[0].Control)
	}
	if got := lastText(f.platform.SentTo("42")); got != TextSent {
		t.Errorf("ack = %q, want %q", got, TextSent)
	}

	// Support answers in the thread; a bot echo in the thread is ignored.
	r.Handle(ctx, Event{ID: "3", ChatID: testGroup, ThreadID: thread, Sender: Sender{ID: "1", DisplayName: "Bob"}, Text: "15 000, negotiable"})
	r.Handle(ctx, Event{ID: "4", ChatID: testGroup, ThreadID: thread, Sender: Sender{ID: "999"}, Text: "echo"})
	if got := lastText(f.platform.SentTo("42")); got != "15 000, negotiable" {
		t.Errorf("delivered reply = %q, want raw admin text", got)
	}

	// Support closes the dialog with the button.
	r.Handle(ctx, Event{ID: "5", ChatID: testGroup, ThreadID: thread, Sender: Sender{ID: "1"}, ControlID: "cb-5", ControlData: "close:42"})
	if got, _ := f.platform.Answer("cb-5"); got != TextDialogClosed {
		t.Errorf("control answer = %q, want %q", got, TextDialogClosed)
	}
	if f.platform.ThreadLive(thread) {
		t.Error("thread still live after close")
	}

	// History holds the exchange in order.
	hist, err := f.store.History(ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Text != "How much?" || hist[1].Text != "15 000, negotiable" {
		t.Errorf("history = %+v, want question then answer", hist)
	}

	// Her next message lands in a fresh thread with a new close button.
	r.Handle(ctx, Event{ID: "6", ChatID: "42", Private: true, Sender: aliceSender, Text: "One more thing"})
	d = f.dialogFor(t, "42")
	if !d.HasThread() || *d.ThreadID == thread {
		t.Fatalf("thread after reopen = %v, want a new one", d.ThreadID)
	}
	if f.platform.Creates() != 2 {
		t.Errorf("creates = %d, want 2", f.platform.Creates())
	}
}
