// Package dialog persists per-user support dialogs and their append-only
// message history.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/lotdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no dialog matches the lookup.
var ErrNotFound = errors.New("dialog: not found")

// Profile is the user identity snapshot taken from an inbound message.
type Profile struct {
	ExternalUserID string
	DisplayName    string
	Handle         string
}

// ListOpts filters List results.
type ListOpts struct {
	Status string // "open", "closed", or "" for all
	Limit  int
}

// Stats summarizes relay activity for the digest.
type Stats struct {
	OpenThreads       int64
	NewDialogs        int64
	MessagesFromUser  int64
	MessagesFromAdmin int64
}

// Store is the gorm-backed dialog store. All methods are safe for
// concurrent use.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over db.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("dialog: store: db is required")
	}
	return &Store{db: db}, nil
}

// GetOrCreate returns the dialog for p.ExternalUserID, creating it when
// absent. Concurrent callers for the same user converge on one row. When the
// stored profile differs from p it is refreshed.
func (s *Store) GetOrCreate(ctx context.Context, p Profile) (*models.Dialog, bool, error) {
	if p.ExternalUserID == "" {
		return nil, false, fmt.Errorf("dialog: get or create: external user id is required")
	}

	d := models.Dialog{
		ExternalUserID: p.ExternalUserID,
		DisplayName:    p.DisplayName,
		Handle:         p.Handle,
		Status:         models.DialogOpen,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}},
		DoNothing: true,
	}).Create(&d)
	if result.Error != nil {
		return nil, false, fmt.Errorf("dialog: get or create %s: %w", p.ExternalUserID, result.Error)
	}
	if result.RowsAffected == 1 {
		return &d, true, nil
	}

	existing, err := s.FindByExternalID(ctx, p.ExternalUserID)
	if err != nil {
		return nil, false, err
	}
	if existing.DisplayName != p.DisplayName || existing.Handle != p.Handle {
		err := s.db.WithContext(ctx).Model(&models.Dialog{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"display_name": p.DisplayName,
				"handle":       p.Handle,
			}).Error
		if err != nil {
			return nil, false, fmt.Errorf("dialog: refresh profile %s: %w", p.ExternalUserID, err)
		}
		existing.DisplayName = p.DisplayName
		existing.Handle = p.Handle
	}
	return existing, false, nil
}

// FindByExternalID returns the dialog for an external user id.
func (s *Store) FindByExternalID(ctx context.Context, externalUserID string) (*models.Dialog, error) {
	var d models.Dialog
	err := s.db.WithContext(ctx).Where("external_user_id = ?", externalUserID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dialog: user %s: %w", externalUserID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("dialog: find user %s: %w", externalUserID, err)
	}
	return &d, nil
}

// FindByThreadID returns the dialog currently bound to an admin thread.
func (s *Store) FindByThreadID(ctx context.Context, threadID string) (*models.Dialog, error) {
	var d models.Dialog
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dialog: thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("dialog: find thread %s: %w", threadID, err)
	}
	return &d, nil
}

// UpdateThreadID binds (non-nil) or unbinds (nil) the dialog's admin thread.
// Binding marks the dialog open; unbinding marks it closed.
func (s *Store) UpdateThreadID(ctx context.Context, dialogID uint, threadID *string) error {
	status := models.DialogOpen
	if threadID == nil {
		status = models.DialogClosed
	}
	result := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("id = ?", dialogID).
		Updates(map[string]interface{}{
			"thread_id": threadID,
			"status":    status,
		})
	if result.Error != nil {
		return fmt.Errorf("dialog: update thread for %d: %w", dialogID, result.Error)
	}
	if result.RowsAffected == 0 {
		return s.mustExist(ctx, dialogID)
	}
	return nil
}

// SetSubject records (or clears, with nil) the catalog lot the user is
// asking about.
func (s *Store) SetSubject(ctx context.Context, dialogID uint, lotID *uint) error {
	result := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("id = ?", dialogID).
		Update("subject_ref", lotID)
	if result.Error != nil {
		return fmt.Errorf("dialog: set subject for %d: %w", dialogID, result.Error)
	}
	if result.RowsAffected == 0 {
		return s.mustExist(ctx, dialogID)
	}
	return nil
}

// AppendMessage adds a message to the dialog's history.
func (s *Store) AppendMessage(ctx context.Context, dialogID uint, text string, dir models.Direction) (*models.Message, error) {
	if err := s.mustExist(ctx, dialogID); err != nil {
		return nil, err
	}
	m := models.Message{
		DialogID:  dialogID,
		Text:      text,
		Direction: dir,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, fmt.Errorf("dialog: append message to %d: %w", dialogID, err)
	}
	return &m, nil
}

// History returns up to limit of the dialog's most recent messages, oldest
// first. A limit of zero returns the full history.
func (s *Store) History(ctx context.Context, dialogID uint, limit int) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Where("dialog_id = ?", dialogID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("dialog: history for %d: %w", dialogID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// List returns dialogs, most recently updated first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]models.Dialog, error) {
	q := s.db.WithContext(ctx).Order("updated_at DESC, id DESC")
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var dialogs []models.Dialog
	if err := q.Find(&dialogs).Error; err != nil {
		return nil, fmt.Errorf("dialog: list: %w", err)
	}
	return dialogs, nil
}

// Stats counts open threads plus dialogs and messages created since the
// given time.
func (s *Store) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Dialog{}).Where("thread_id IS NOT NULL").Count(&st.OpenThreads).Error; err != nil {
		return st, fmt.Errorf("dialog: stats open threads: %w", err)
	}
	if err := db.Model(&models.Dialog{}).Where("created_at >= ?", since).Count(&st.NewDialogs).Error; err != nil {
		return st, fmt.Errorf("dialog: stats new dialogs: %w", err)
	}
	if err := db.Model(&models.Message{}).Where("direction = ? AND created_at >= ?", models.FromUser, since).Count(&st.MessagesFromUser).Error; err != nil {
		return st, fmt.Errorf("dialog: stats user messages: %w", err)
	}
	if err := db.Model(&models.Message{}).Where("direction = ? AND created_at >= ?", models.FromAdmin, since).Count(&st.MessagesFromAdmin).Error; err != nil {
		return st, fmt.Errorf("dialog: stats admin messages: %w", err)
	}
	return st, nil
}

// mustExist reports ErrNotFound when no dialog has the given id. MySQL
// reports zero affected rows for no-op updates, so a zero count alone does
// not mean the row is missing.
func (s *Store) mustExist(ctx context.Context, dialogID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Dialog{}).Where("id = ?", dialogID).Count(&count).Error; err != nil {
		return fmt.Errorf("dialog: lookup %d: %w", dialogID, err)
	}
	if count == 0 {
		return fmt.Errorf("dialog: id %d: %w", dialogID, ErrNotFound)
	}
	return nil
}
