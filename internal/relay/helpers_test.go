package relay

import (
	"context"
	"testing"
	"time"

	"github.com/zulandar/lotdesk/internal/catalog"
	"github.com/zulandar/lotdesk/internal/dialog"
	"github.com/zulandar/lotdesk/internal/gate"
	"github.com/zulandar/lotdesk/internal/models"
	"github.com/zulandar/lotdesk/internal/topiccache"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testGroup = "-100500"

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
	if err := db.AutoMigrate(&models.Lot{}, &models.Dialog{}, &models.Message{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// fixture bundles a TopicManager with inspectable collaborators.
type fixture struct {
	db       *gorm.DB
	store    *dialog.Store
	cache    *topiccache.MemoryCache
	gate     *gate.MemoryGate
	platform *MockPlatform
	topics   *TopicManager
}

type fixtureOpts struct {
	cache         topiccache.Cache
	gate          gate.Gate
	wait          time.Duration
	adminUser     string
	notifyUnknown bool
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	db := openTestDB(t)
	store, err := dialog.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reader, err := catalog.NewReader(db)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	f := &fixture{
		db:       db,
		store:    store,
		cache:    topiccache.NewMemoryCache(time.Hour),
		gate:     gate.NewMemoryGate(),
		platform: NewMockPlatform(),
	}
	t.Cleanup(f.cache.Close)

	var c topiccache.Cache = f.cache
	if fo.cache != nil {
		c = fo.cache
	}
	var g gate.Gate = f.gate
	if fo.gate != nil {
		g = fo.gate
	}

	f.topics, err = NewTopicManager(TopicManagerOpts{
		Store:               store,
		Cache:               c,
		Gate:                g,
		Platform:            f.platform,
		Catalog:             reader,
		AdminGroup:          testGroup,
		AdminUser:           fo.adminUser,
		Lease:               5 * time.Second,
		Wait:                fo.wait,
		NotifyUnknownThread: fo.notifyUnknown,
	})
	if err != nil {
		t.Fatalf("NewTopicManager: %v", err)
	}
	return f
}

func (f *fixture) seedLot(t *testing.T, id uint, title string, price int) {
	t.Helper()
	lot := models.Lot{ID: id, Title: title, Price: price, IsActive: true}
	if err := f.db.Create(&lot).Error; err != nil {
		t.Fatalf("seed lot: %v", err)
	}
}

func (f *fixture) dialogFor(t *testing.T, userID string) *models.Dialog {
	t.Helper()
	d, err := f.store.FindByExternalID(context.Background(), userID)
	if err != nil {
		t.Fatalf("FindByExternalID(%s): %v", userID, err)
	}
	return d
}

func alice(text string) UserMessage {
	return UserMessage{UserID: "42", DisplayName: "Alice", Handle: "alice", Text: text}
}

func lastText(msgs []OutboundMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text
}

// waitFor polls cond until it returns true or the timeout expires.
func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
