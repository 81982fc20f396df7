package models

import "time"

// Lot is the read-only view of a catalog item. The catalog owns the table;
// the relay only resolves lots by id.
type Lot struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Title     string `gorm:"size:255;not null"`
	Price     int    `gorm:"not null"`
	IsActive  bool   `gorm:"default:true;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the catalog table name.
func (Lot) TableName() string { return "lots" }
