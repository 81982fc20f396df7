package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/lotdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBGate implements Gate with one relay_leases row per held key. It needs no
// infrastructure beyond the relay database.
type DBGate struct {
	db   *gorm.DB
	now  func() time.Time
	spin time.Duration
}

// NewDBGate creates a DBGate. The relay_leases table must already exist.
func NewDBGate(db *gorm.DB) (*DBGate, error) {
	if db == nil {
		return nil, fmt.Errorf("gate: db is required")
	}
	return &DBGate{
		db:   db,
		now:  func() time.Time { return time.Now().UTC() },
		spin: 100 * time.Millisecond,
	}, nil
}

// Acquire implements Gate. Each attempt first deletes the key's row if its
// lease has expired, then tries to insert a fresh row.
func (g *DBGate) Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, error) {
	token := uuid.NewString()
	lease = leaseOrDefault(lease)

	err := poll(ctx, key, wait, g.spin, func() (bool, error) {
		now := g.now()
		db := g.db.WithContext(ctx)

		if err := db.Where("`key` = ? AND expires_at < ?", key, now).
			Delete(&models.RelayLease{}).Error; err != nil {
			return false, fmt.Errorf("gate: expire stale lease %s: %w", key, err)
		}

		row := models.RelayLease{Key: key, Token: token, ExpiresAt: now.Add(lease)}
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return false, fmt.Errorf("gate: acquire %s: %w", key, result.Error)
		}
		return result.RowsAffected == 1, nil
	})
	if err != nil {
		return nil, err
	}
	return &dbLease{db: g.db, key: key, token: token}, nil
}

type dbLease struct {
	db    *gorm.DB
	key   string
	token string
}

func (l *dbLease) Release(ctx context.Context) error {
	result := l.db.WithContext(ctx).
		Where("`key` = ? AND token = ?", l.key, l.token).
		Delete(&models.RelayLease{})
	if result.Error != nil {
		return fmt.Errorf("gate: release %s: %w", l.key, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("gate: release %s: %w", l.key, ErrLeaseLost)
	}
	return nil
}
