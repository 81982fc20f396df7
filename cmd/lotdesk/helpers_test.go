package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zulandar/lotdesk/internal/config"
	"github.com/zulandar/lotdesk/internal/db"
	"github.com/zulandar/lotdesk/internal/dialog"
	"github.com/zulandar/lotdesk/internal/models"
	"github.com/zulandar/lotdesk/internal/relay"
)

// writeConfig writes a sqlite-backed telegram config into a temp dir and
// returns its path. extra is appended verbatim.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	yml := fmt.Sprintf(`
database:
  driver: sqlite
  path: %s

relay:
  platform: telegram
  admin_group: "-100"
  telegram:
    token: "123:abc"
%s`, filepath.Join(dir, "lotdesk.db"), extra)
	path := filepath.Join(dir, "lotdesk.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// openStore migrates and opens the database named by the config at path.
func openStore(t *testing.T, path string) *dialog.Store {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close(gormDB) })
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := dialog.NewStore(gormDB)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

// seedDialog creates a dialog for userID bound to threadID ("" for none).
func seedDialog(t *testing.T, store *dialog.Store, userID, name, threadID string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	d, _, err := store.GetOrCreate(ctx, dialog.Profile{ExternalUserID: userID, DisplayName: name})
	if err != nil {
		t.Fatalf("seed %s: %v", userID, err)
	}
	var thread *string
	if threadID != "" {
		thread = &threadID
	}
	if err := store.UpdateThreadID(ctx, d.ID, thread); err != nil {
		t.Fatalf("seed thread %s: %v", userID, err)
	}
	for _, text := range texts {
		if _, err := store.AppendMessage(ctx, d.ID, text, models.FromUser); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
}

// useMockPlatform swaps the platform factory for one returning mock.
func useMockPlatform(t *testing.T, mock *relay.MockPlatform) {
	t.Helper()
	orig := newPlatform
	newPlatform = func(*config.Config) (relay.Platform, http.Handler, error) {
		return mock, nil, nil
	}
	t.Cleanup(func() { newPlatform = orig })
}

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
