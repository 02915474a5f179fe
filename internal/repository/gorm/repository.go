package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradewatch/internal/models"
	"tradewatch/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- rules ------------------------------------------------------------------

func (s *Store) CreateRule(ctx context.Context, item *models.MonitorRule) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetRule(ctx context.Context, id uint64) (*models.MonitorRule, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.MonitorRule
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListRules(ctx context.Context, params repository.ListRulesParams) ([]models.MonitorRule, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.MonitorRule{})
	if strings.TrimSpace(params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(params.UserID))
	}
	if params.Enabled != nil {
		query = query.Where("enabled = ?", *params.Enabled)
	}
	if strings.TrimSpace(params.TriggerType) != "" {
		query = query.Where("trigger_type = ?", strings.TrimSpace(params.TriggerType))
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.MonitorRule
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateRule(ctx context.Context, item *models.MonitorRule) error {
	if s == nil || s.db == nil || item == nil || item.ID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) UpdateRuleTriggerConfig(ctx context.Context, id uint64, cfg datatypes.JSON) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.MonitorRule{}).
		Where("id = ?", id).
		Updates(map[string]any{"trigger_config": cfg, "updated_at": time.Now().UTC()}).Error
}

func (s *Store) SetRuleEnabled(ctx context.Context, id uint64, enabled bool) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.MonitorRule{}).
		Where("id = ?", id).
		Updates(map[string]any{"enabled": enabled, "updated_at": time.Now().UTC()}).Error
}

func (s *Store) DeleteRule(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&models.MonitorRule{}, "id = ?", id).Error
}

func (s *Store) ListActiveRules(ctx context.Context) ([]models.MonitorRule, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.MonitorRule
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("user_id asc, id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) DisableExpiredRules(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Model(&models.MonitorRule{}).
		Where("enabled = ?", true).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", now).
		Updates(map[string]any{"enabled": false, "updated_at": now})
	return res.RowsAffected, res.Error
}

// --- fire log ---------------------------------------------------------------

func (s *Store) RecordFire(ctx context.Context, entry *models.RuleFireLog) error {
	if s == nil || s.db == nil || entry == nil {
		return nil
	}
	if entry.FiredAt.IsZero() {
		entry.FiredAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		var rule models.MonitorRule
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rule, "id = ?", entry.RuleID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Rule deleted between fire and log write; keep the log.
			return nil
		}
		if err != nil {
			return err
		}
		updates := map[string]any{
			"fire_count": rule.FireCount + 1,
			"fired_at":   entry.FiredAt,
			"updated_at": entry.FiredAt,
		}
		if rule.MaxFires != nil && rule.FireCount+1 >= *rule.MaxFires {
			updates["enabled"] = false
		}
		return tx.Model(&models.MonitorRule{}).Where("id = ?", rule.ID).Updates(updates).Error
	})
}

func (s *Store) ListFires(ctx context.Context, params repository.ListFiresParams) ([]models.RuleFireLog, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.RuleFireLog{})
	if params.RuleID != 0 {
		query = query.Where("rule_id = ?", params.RuleID)
	}
	if strings.TrimSpace(params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(params.UserID))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("fired_at >= ?", *params.Since)
	}
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.RuleFireLog
	if err := query.Order("fired_at desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) DeleteFiresBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil || before.IsZero() {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("fired_at < ?", before).
		Delete(&models.RuleFireLog{})
	return res.RowsAffected, res.Error
}

// --- broker credentials -----------------------------------------------------

func (s *Store) GetBrokerToken(ctx context.Context, userID string) (*models.BrokerToken, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.BrokerToken
	err := s.db.WithContext(ctx).First(&item, "user_id = ?", strings.TrimSpace(userID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertBrokerToken(ctx context.Context, item *models.BrokerToken) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"api_key", "api_secret", "login_id", "password", "totp_secret",
			"manual_token", "updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) UpdateBrokerAccessToken(ctx context.Context, userID, accessToken string, generatedAt time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.BrokerToken{}).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Updates(map[string]any{
			"access_token": accessToken,
			"generated_at": generatedAt,
			"updated_at":   time.Now().UTC(),
		}).Error
}

// --- instrument cache -------------------------------------------------------

func (s *Store) UpsertInstruments(ctx context.Context, items []models.Instrument) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return createInBatches(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"symbol", "exchange", "name", "tick_size", "lot_size", "updated_at",
		}),
	}), items, 500)
}

func (s *Store) FindInstrumentBySymbol(ctx context.Context, exchange, symbol string) (*models.Instrument, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Instrument
	err := s.db.WithContext(ctx).
		Where("exchange = ?", strings.TrimSpace(exchange)).
		Where("symbol = ?", strings.TrimSpace(symbol)).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// --- helpers ----------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func createInBatches[T any](db *gorm.DB, items []T, batchSize int) error {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := db.CreateInBatches(items[i:end], batchSize).Error; err != nil {
			return err
		}
	}
	return nil
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
