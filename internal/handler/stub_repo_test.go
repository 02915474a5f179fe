package handler

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tradewatch/internal/models"
	"tradewatch/internal/repository"
)

// stubRepo is an in-memory Repository for handler tests.
type stubRepo struct {
	nextID      uint64
	rules       map[uint64]*models.MonitorRule
	fires       []models.RuleFireLog
	tokens      map[string]*models.BrokerToken
	instruments map[string]models.Instrument

	enabledSet map[uint64]bool
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		rules:       make(map[uint64]*models.MonitorRule),
		tokens:      make(map[string]*models.BrokerToken),
		instruments: make(map[string]models.Instrument),
		enabledSet:  make(map[uint64]bool),
	}
}

func (s *stubRepo) addInstrument(inst models.Instrument) {
	s.instruments[inst.Exchange+":"+inst.Symbol] = inst
}

func (s *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

func (s *stubRepo) CreateRule(ctx context.Context, item *models.MonitorRule) error {
	s.nextID++
	item.ID = s.nextID
	cp := *item
	s.rules[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetRule(ctx context.Context, id uint64) (*models.MonitorRule, error) {
	item, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *stubRepo) ListRules(ctx context.Context, params repository.ListRulesParams) ([]models.MonitorRule, error) {
	var out []models.MonitorRule
	for _, item := range s.rules {
		if params.UserID != "" && item.UserID != params.UserID {
			continue
		}
		if params.TriggerType != "" && item.TriggerType != params.TriggerType {
			continue
		}
		if params.Enabled != nil && item.Enabled != *params.Enabled {
			continue
		}
		out = append(out, *item)
	}
	return out, nil
}

func (s *stubRepo) UpdateRule(ctx context.Context, item *models.MonitorRule) error {
	cp := *item
	s.rules[item.ID] = &cp
	return nil
}

func (s *stubRepo) UpdateRuleTriggerConfig(ctx context.Context, id uint64, cfg datatypes.JSON) error {
	if item, ok := s.rules[id]; ok {
		item.TriggerConfig = cfg
	}
	return nil
}

func (s *stubRepo) SetRuleEnabled(ctx context.Context, id uint64, enabled bool) error {
	s.enabledSet[id] = enabled
	if item, ok := s.rules[id]; ok {
		item.Enabled = enabled
	}
	return nil
}

func (s *stubRepo) DeleteRule(ctx context.Context, id uint64) error {
	delete(s.rules, id)
	return nil
}

func (s *stubRepo) ListActiveRules(ctx context.Context) ([]models.MonitorRule, error) {
	enabled := true
	return s.ListRules(ctx, repository.ListRulesParams{Enabled: &enabled})
}

func (s *stubRepo) DisableExpiredRules(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *stubRepo) RecordFire(ctx context.Context, entry *models.RuleFireLog) error {
	s.fires = append(s.fires, *entry)
	return nil
}

func (s *stubRepo) ListFires(ctx context.Context, params repository.ListFiresParams) ([]models.RuleFireLog, error) {
	var out []models.RuleFireLog
	for _, f := range s.fires {
		if params.RuleID != 0 && f.RuleID != params.RuleID {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *stubRepo) DeleteFiresBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *stubRepo) GetBrokerToken(ctx context.Context, userID string) (*models.BrokerToken, error) {
	item, ok := s.tokens[userID]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *stubRepo) UpsertBrokerToken(ctx context.Context, item *models.BrokerToken) error {
	cp := *item
	s.tokens[item.UserID] = &cp
	return nil
}

func (s *stubRepo) UpdateBrokerAccessToken(ctx context.Context, userID, accessToken string, generatedAt time.Time) error {
	if item, ok := s.tokens[userID]; ok {
		item.AccessToken = accessToken
		item.GeneratedAt = &generatedAt
	}
	return nil
}

func (s *stubRepo) UpsertInstruments(ctx context.Context, items []models.Instrument) error {
	for _, in := range items {
		s.addInstrument(in)
	}
	return nil
}

func (s *stubRepo) FindInstrumentBySymbol(ctx context.Context, exchange, symbol string) (*models.Instrument, error) {
	inst, ok := s.instruments[exchange+":"+symbol]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}
