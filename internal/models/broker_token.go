package models

import "time"

// BrokerToken holds one user's broker credentials and the most recent access
// token. APISecret, Password and TOTPSecret are stored as AES-GCM envelopes,
// never plaintext.
type BrokerToken struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	UserID string `gorm:"type:varchar(50);not null;uniqueIndex"`

	APIKey     string `gorm:"type:varchar(60);not null"`
	APISecret  string `gorm:"type:text"`
	LoginID    string `gorm:"type:varchar(60)"`
	Password   string `gorm:"type:text"`
	TOTPSecret string `gorm:"type:text"`

	// ManualToken, when set, overrides any stored or auto-generated token.
	ManualToken string `gorm:"type:varchar(120)"`

	AccessToken string     `gorm:"type:varchar(120)"`
	GeneratedAt *time.Time `gorm:"type:timestamptz"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (BrokerToken) TableName() string {
	return "broker_tokens"
}
