// Package catalog resolves lots from the read-only catalog table.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/zulandar/lotdesk/internal/models"
	"gorm.io/gorm"
)

// ErrLotNotFound is returned for missing or inactive lots.
var ErrLotNotFound = errors.New("catalog: lot not found")

// Reader looks up lots by id.
type Reader struct {
	db *gorm.DB
}

// NewReader creates a Reader over db.
func NewReader(db *gorm.DB) (*Reader, error) {
	if db == nil {
		return nil, fmt.Errorf("catalog: reader: db is required")
	}
	return &Reader{db: db}, nil
}

// Lot returns the active lot with the given id.
func (r *Reader) Lot(ctx context.Context, id uint) (*models.Lot, error) {
	var lot models.Lot
	err := r.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&lot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("catalog: lot %d: %w", id, ErrLotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: lot %d: %w", id, err)
	}
	return &lot, nil
}

// FormatPrice renders an integer price with space-separated thousands,
// e.g. 1250000 -> "1 250 000".
func FormatPrice(price int) string {
	s := strconv.Itoa(price)
	sign := ""
	if price < 0 {
		sign, s = "-", s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, s[i:i+3]...)
	}
	return sign + string(out)
}
