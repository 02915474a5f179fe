package models

import (
	"time"

	"gorm.io/datatypes"
)

// MonitorRule is one unit of automation: a trigger condition plus the broker
// action to dispatch when it becomes true.
type MonitorRule struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	UserID string `gorm:"type:varchar(50);not null;index"`
	Name   string `gorm:"type:varchar(120);not null"`

	Enabled bool `gorm:"not null;default:true;index"`

	TriggerType   string         `gorm:"type:varchar(20);not null"`
	TriggerConfig datatypes.JSON `gorm:"type:jsonb;not null"`
	ActionType    string         `gorm:"type:varchar(20);not null"`
	ActionConfig  datatypes.JSON `gorm:"type:jsonb;not null"`

	InstrumentToken *uint32 `gorm:"index"`
	Symbol          string  `gorm:"type:varchar(50)"`

	LinkedTradeID *string `gorm:"type:varchar(60)"`
	LinkedOrderID *string `gorm:"type:varchar(60)"`

	FireCount int `gorm:"not null;default:0"`
	MaxFires  *int
	ExpiresAt *time.Time `gorm:"type:timestamptz"`
	FiredAt   *time.Time `gorm:"type:timestamptz"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (MonitorRule) TableName() string {
	return "monitor_rules"
}

// ShouldEvaluate reports whether the rule is live: enabled, not expired and
// under its fire budget. Rules failing this are skipped without looking at
// their trigger.
func (r *MonitorRule) ShouldEvaluate(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	if r.MaxFires != nil && r.FireCount >= *r.MaxFires {
		return false
	}
	return true
}
