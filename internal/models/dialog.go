package models

import "time"

// Dialog status values. Status is informational; relay decisions are driven by
// ThreadID, never by Status.
const (
	DialogOpen   = "open"
	DialogClosed = "closed"
)

// Direction records which side of the conversation authored a Message.
type Direction string

const (
	FromUser  Direction = "from_user"
	FromAdmin Direction = "from_admin"
)

// Dialog is the durable record of one external user's conversation with
// support. There is exactly one Dialog per ExternalUserID.
type Dialog struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	ExternalUserID string  `gorm:"size:64;not null;uniqueIndex"`
	ThreadID       *string `gorm:"size:128;index"` // active admin-side thread; nil means none
	DisplayName    string  `gorm:"size:255"`
	Handle         string  `gorm:"size:255"`
	SubjectRef     *uint   // weak reference to a catalog lot; may dangle
	Status         string  `gorm:"size:16;not null;default:open;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Messages []Message `gorm:"foreignKey:DialogID"`
}

// HasThread reports whether the dialog currently points at an admin thread.
func (d *Dialog) HasThread() bool {
	return d.ThreadID != nil && *d.ThreadID != ""
}

// Message is a single append-only entry in a dialog's history. Ordering
// within a dialog follows ID.
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	DialogID  uint      `gorm:"not null;index"`
	Text      string    `gorm:"type:text;not null"`
	Direction Direction `gorm:"size:16;not null"`
	CreatedAt time.Time
}
