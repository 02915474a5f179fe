package models

import (
	"time"

	"gorm.io/datatypes"
)

// RuleFireLog records one fire of a rule: the trigger snapshot at fire time,
// the action taken and its outcome. Written exactly once per fire, success or
// not. Inserting a fire log is what advances the rule's fire_count.
type RuleFireLog struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	RuleID uint64 `gorm:"not null;index"`
	UserID string `gorm:"type:varchar(50);not null;index"`

	TriggerSnapshot datatypes.JSON `gorm:"type:jsonb"`
	ActionTaken     string         `gorm:"type:varchar(20);not null"`
	ActionResult    datatypes.JSON `gorm:"type:jsonb"`

	FiredAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (RuleFireLog) TableName() string {
	return "rule_fire_logs"
}
