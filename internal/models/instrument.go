package models

import "time"

// Instrument is one row of the broker's instrument dump, cached locally so
// rule creation can resolve a trading symbol to its instrument token without
// a broker round trip. Refreshed daily by cron.
type Instrument struct {
	Token    uint32 `gorm:"primaryKey"`
	Symbol   string `gorm:"type:varchar(50);not null;index"`
	Exchange string `gorm:"type:varchar(10);not null;index"`
	Name     string `gorm:"type:varchar(120)"`

	TickSize float64
	LotSize  int

	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Instrument) TableName() string {
	return "instruments"
}
