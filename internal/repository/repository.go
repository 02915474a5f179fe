package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tradewatch/internal/models"
)

type ListRulesParams struct {
	UserID      string
	Enabled     *bool
	TriggerType string
	OrderBy     string
	Asc         *bool
	Limit       int
	Offset      int
}

type ListFiresParams struct {
	RuleID uint64
	UserID string
	Since  *time.Time
	Limit  int
	Offset int
}

// Repository is the persistence surface for rules, fire logs, broker
// credentials and the instrument cache.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Rules.
	CreateRule(ctx context.Context, item *models.MonitorRule) error
	GetRule(ctx context.Context, id uint64) (*models.MonitorRule, error)
	ListRules(ctx context.Context, params ListRulesParams) ([]models.MonitorRule, error)
	UpdateRule(ctx context.Context, item *models.MonitorRule) error
	UpdateRuleTriggerConfig(ctx context.Context, id uint64, cfg datatypes.JSON) error
	SetRuleEnabled(ctx context.Context, id uint64, enabled bool) error
	DeleteRule(ctx context.Context, id uint64) error

	// ListActiveRules returns every enabled rule across users; the daemon
	// applies the rest of the should-evaluate predicate itself.
	ListActiveRules(ctx context.Context) ([]models.MonitorRule, error)
	DisableExpiredRules(ctx context.Context, now time.Time) (int64, error)

	// Fire log. RecordFire inserts the log entry, advances the rule's
	// fire_count, stamps fired_at and auto-disables at max_fires, all in
	// one transaction.
	RecordFire(ctx context.Context, entry *models.RuleFireLog) error
	ListFires(ctx context.Context, params ListFiresParams) ([]models.RuleFireLog, error)
	DeleteFiresBefore(ctx context.Context, before time.Time) (int64, error)

	// Broker credentials.
	GetBrokerToken(ctx context.Context, userID string) (*models.BrokerToken, error)
	UpsertBrokerToken(ctx context.Context, item *models.BrokerToken) error
	UpdateBrokerAccessToken(ctx context.Context, userID, accessToken string, generatedAt time.Time) error

	// Instrument cache.
	UpsertInstruments(ctx context.Context, items []models.Instrument) error
	FindInstrumentBySymbol(ctx context.Context, exchange, symbol string) (*models.Instrument, error)
}
