package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/lotdesk/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Dialog{}, &models.Message{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func TestNewStore_NilDB(t *testing.T) {
	if _, err := NewStore(nil); err == nil {
		t.Fatal("expected error for nil DB")
	}
}

func TestGetOrCreate_CreatesThenReuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1, created, err := s.GetOrCreate(ctx, Profile{ExternalUserID: "42", DisplayName: "Alice", Handle: "alice"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created {
		t.Error("first call should create")
	}
	if d1.ID == 0 {
		t.Error("created dialog should have an id")
	}
	if d1.HasThread() {
		t.Error("new dialog should have no thread")
	}

	d2, created, err := s.GetOrCreate(ctx, Profile{ExternalUserID: "42", DisplayName: "Alice", Handle: "alice"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if created {
		t.Error("second call should not create")
	}
	if d2.ID != d1.ID {
		t.Errorf("second call id = %d, want %d", d2.ID, d1.ID)
	}
}

func TestGetOrCreate_RefreshesProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.GetOrCreate(ctx, Profile{ExternalUserID: "42", DisplayName: "Alice", Handle: "alice"})
	d, _, err := s.GetOrCreate(ctx, Profile{ExternalUserID: "42", DisplayName: "Alice B", Handle: "aliceb"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if d.DisplayName != "Alice B" || d.Handle != "aliceb" {
		t.Errorf("profile = %q/%q, want refreshed", d.DisplayName, d.Handle)
	}

	stored, _ := s.FindByExternalID(ctx, "42")
	if stored.DisplayName != "Alice B" {
		t.Errorf("stored DisplayName = %q, want Alice B", stored.DisplayName)
	}
}

func TestGetOrCreate_RequiresID(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.GetOrCreate(context.Background(), Profile{}); err == nil {
		t.Fatal("expected error for empty external user id")
	}
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	ids := make([]uint, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := s.GetOrCreate(ctx, Profile{ExternalUserID: "7", DisplayName: "Bob"})
			errs[i] = err
			if d != nil {
				ids[i] = d.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("caller %d got dialog %d, want %d", i, ids[i], ids[0])
		}
	}

	var count int64
	s.db.Model(&models.Dialog{}).Where("external_user_id = ?", "7").Count(&count)
	if count != 1 {
		t.Errorf("dialog rows = %d, want 1", count)
	}
}

func TestFindByExternalID_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindByExternalID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateThreadID_SetAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _, _ := s.GetOrCreate(ctx, Profile{ExternalUserID: "42"})

	if err := s.UpdateThreadID(ctx, d.ID, strPtr("1001")); err != nil {
		t.Fatalf("UpdateThreadID set: %v", err)
	}
	got, err := s.FindByThreadID(ctx, "1001")
	if err != nil {
		t.Fatalf("FindByThreadID: %v", err)
	}
	if got.ID != d.ID {
		t.Errorf("FindByThreadID id = %d, want %d", got.ID, d.ID)
	}
	if got.Status != models.DialogOpen {
		t.Errorf("Status = %q, want open", got.Status)
	}

	// Setting the same value again is not an error.
	if err := s.UpdateThreadID(ctx, d.ID, strPtr("1001")); err != nil {
		t.Fatalf("UpdateThreadID same value: %v", err)
	}

	if err := s.UpdateThreadID(ctx, d.ID, nil); err != nil {
		t.Fatalf("UpdateThreadID clear: %v", err)
	}
	got, _ = s.FindByExternalID(ctx, "42")
	if got.ThreadID != nil {
		t.Errorf("ThreadID = %v, want nil", *got.ThreadID)
	}
	if got.Status != models.DialogClosed {
		t.Errorf("Status = %q, want closed", got.Status)
	}
	if _, err := s.FindByThreadID(ctx, "1001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByThreadID after clear err = %v, want ErrNotFound", err)
	}
}

func TestUpdateThreadID_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateThreadID(context.Background(), 999, strPtr("x"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetSubject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _, _ := s.GetOrCreate(ctx, Profile{ExternalUserID: "42"})

	lot := uint(17)
	if err := s.SetSubject(ctx, d.ID, &lot); err != nil {
		t.Fatalf("SetSubject: %v", err)
	}
	got, _ := s.FindByExternalID(ctx, "42")
	if got.SubjectRef == nil || *got.SubjectRef != 17 {
		t.Errorf("SubjectRef = %v, want 17", got.SubjectRef)
	}

	if err := s.SetSubject(ctx, d.ID, nil); err != nil {
		t.Fatalf("SetSubject clear: %v", err)
	}
	got, _ = s.FindByExternalID(ctx, "42")
	if got.SubjectRef != nil {
		t.Errorf("SubjectRef = %v, want nil", *got.SubjectRef)
	}

	if err := s.SetSubject(ctx, 999, &lot); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetSubject missing err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessage_AndHistoryOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _, _ := s.GetOrCreate(ctx, Profile{ExternalUserID: "42"})

	for i := 1; i <= 5; i++ {
		dir := models.FromUser
		if i%2 == 0 {
			dir = models.FromAdmin
		}
		if _, err := s.AppendMessage(ctx, d.ID, fmt.Sprintf("m%d", i), dir); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	all, err := s.History(ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("History len = %d, want 5", len(all))
	}
	for i, m := range all {
		if want := fmt.Sprintf("m%d", i+1); m.Text != want {
			t.Errorf("all[%d].Text = %q, want %q", i, m.Text, want)
		}
	}
	if all[1].Direction != models.FromAdmin {
		t.Errorf("all[1].Direction = %q, want from_admin", all[1].Direction)
	}

	last, _ := s.History(ctx, d.ID, 2)
	if len(last) != 2 || last[0].Text != "m4" || last[1].Text != "m5" {
		t.Errorf("History(limit 2) = %+v, want m4,m5", last)
	}
}

func TestAppendMessage_DialogMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendMessage(context.Background(), 999, "hi", models.FromUser)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHistory_SurvivesThreadClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _, _ := s.GetOrCreate(ctx, Profile{ExternalUserID: "42"})
	s.UpdateThreadID(ctx, d.ID, strPtr("1"))
	s.AppendMessage(ctx, d.ID, "before", models.FromUser)

	before, _ := s.History(ctx, d.ID, 0)
	s.UpdateThreadID(ctx, d.ID, nil)
	after, _ := s.History(ctx, d.ID, 0)

	if len(before) != len(after) {
		t.Fatalf("history len changed %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].Text != after[i].Text {
			t.Errorf("message %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestList_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _, _ := s.GetOrCreate(ctx, Profile{ExternalUserID: "a"})
	b, _, _ := s.GetOrCreate(ctx, Profile{ExternalUserID: "b"})
	s.UpdateThreadID(ctx, a.ID, strPtr("10"))
	s.UpdateThreadID(ctx, b.ID, nil)

	open, err := s.List(ctx, ListOpts{Status: models.DialogOpen})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 1 || open[0].ExternalUserID != "a" {
		t.Errorf("open dialogs = %+v, want [a]", open)
	}

	all, _ := s.List(ctx, ListOpts{})
	if len(all) != 2 {
		t.Errorf("all dialogs = %d, want 2", len(all))
	}

	limited, _ := s.List(ctx, ListOpts{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited dialogs = %d, want 1", len(limited))
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Minute)

	a, _, _ := s.GetOrCreate(ctx, Profile{ExternalUserID: "a"})
	s.GetOrCreate(ctx, Profile{ExternalUserID: "b"})
	s.UpdateThreadID(ctx, a.ID, strPtr("10"))
	s.AppendMessage(ctx, a.ID, "q1", models.FromUser)
	s.AppendMessage(ctx, a.ID, "q2", models.FromUser)
	s.AppendMessage(ctx, a.ID, "r1", models.FromAdmin)

	st, err := s.Stats(ctx, since)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{OpenThreads: 1, NewDialogs: 2, MessagesFromUser: 2, MessagesFromAdmin: 1}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}

	future, _ := s.Stats(ctx, time.Now().Add(time.Hour))
	if future.NewDialogs != 0 || future.MessagesFromUser != 0 {
		t.Errorf("Stats(future) = %+v, want zero window counts", future)
	}
}
