package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"tradewatch/internal/models"
	"tradewatch/internal/repository"
	"tradewatch/internal/rules"
)

type RuleHandler struct {
	Repo repository.Repository
}

func (h *RuleHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/rules")
	g.POST("", h.create)
	g.POST("/oco", h.createOCO)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.update)
	g.POST("/:id/enable", h.setEnabled(true))
	g.POST("/:id/disable", h.setEnabled(false))
	g.DELETE("/:id", h.delete)
	g.GET("/:id/fires", h.fires)
}

type ruleRequest struct {
	UserID        string          `json:"user_id"`
	Name          string          `json:"name"`
	TriggerType   string          `json:"trigger_type"`
	TriggerConfig json.RawMessage `json:"trigger_config"`
	ActionType    string          `json:"action_type"`
	ActionConfig  json.RawMessage `json:"action_config"`
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	Enabled       *bool           `json:"enabled"`
	MaxFires      *int            `json:"max_fires"`
	ExpiresAt     *time.Time      `json:"expires_at"`
}

// buildRule validates the configs against their parsers and resolves the
// symbol to an instrument token when the trigger watches market data. The
// store only ever holds configs that parse.
func (h *RuleHandler) buildRule(c *gin.Context, req *ruleRequest) (*models.MonitorRule, bool) {
	if strings.TrimSpace(req.UserID) == "" {
		Error(c, http.StatusBadRequest, "user_id is required", nil)
		return nil, false
	}
	if _, err := rules.ParseTrigger(req.TriggerType, req.TriggerConfig); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return nil, false
	}
	if _, err := rules.ParseAction(req.ActionType, req.ActionConfig); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return nil, false
	}

	item := &models.MonitorRule{
		UserID:        req.UserID,
		Name:          req.Name,
		Enabled:       true,
		TriggerType:   req.TriggerType,
		TriggerConfig: datatypes.JSON(req.TriggerConfig),
		ActionType:    req.ActionType,
		ActionConfig:  datatypes.JSON(req.ActionConfig),
		MaxFires:      req.MaxFires,
		ExpiresAt:     req.ExpiresAt,
	}
	if req.Enabled != nil {
		item.Enabled = *req.Enabled
	}

	if rules.RequiresInstrument(req.TriggerType) {
		symbol := strings.TrimSpace(req.Symbol)
		if symbol == "" {
			Error(c, http.StatusBadRequest, "symbol is required for market-data triggers", nil)
			return nil, false
		}
		exchange := req.Exchange
		if exchange == "" {
			exchange = "NSE"
		}
		inst, err := h.Repo.FindInstrumentBySymbol(c.Request.Context(), exchange, symbol)
		if err != nil {
			Error(c, http.StatusBadGateway, err.Error(), nil)
			return nil, false
		}
		if inst == nil {
			Error(c, http.StatusNotFound, "unknown instrument "+exchange+":"+symbol, nil)
			return nil, false
		}
		token := inst.Token
		item.InstrumentToken = &token
		item.Symbol = inst.Symbol
	}
	return item, true
}

func (h *RuleHandler) create(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item, ok := h.buildRule(c, &req)
	if !ok {
		return
	}
	if err := h.Repo.CreateRule(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

type ocoRequest struct {
	LegA ruleRequest `json:"leg_a"`
	LegB ruleRequest `json:"leg_b"`
}

// createOCO creates two rules whose actions cancel each other: whichever leg
// fires first disables the other. The legs are created before being linked,
// so a crash in between leaves two unlinked rules, never a dangling id.
func (h *RuleHandler) createOCO(c *gin.Context) {
	var req ocoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if req.LegA.UserID != req.LegB.UserID {
		Error(c, http.StatusBadRequest, "both legs must belong to the same user", nil)
		return
	}
	a, ok := h.buildRule(c, &req.LegA)
	if !ok {
		return
	}
	b, ok := h.buildRule(c, &req.LegB)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.Repo.CreateRule(ctx, a); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if err := h.Repo.CreateRule(ctx, b); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if err := h.linkSibling(c, a, b.ID); err != nil {
		return
	}
	if err := h.linkSibling(c, b, a.ID); err != nil {
		return
	}
	Ok(c, map[string]any{"leg_a": a, "leg_b": b}, nil)
}

func (h *RuleHandler) linkSibling(c *gin.Context, item *models.MonitorRule, sibling uint64) error {
	var cfg map[string]any
	if err := json.Unmarshal(item.ActionConfig, &cfg); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return err
	}
	cfg["also_cancel_rule"] = sibling
	raw, err := json.Marshal(cfg)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return err
	}
	item.ActionConfig = datatypes.JSON(raw)
	if err := h.Repo.UpdateRule(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return err
	}
	return nil
}

func (h *RuleHandler) list(c *gin.Context) {
	params := repository.ListRulesParams{
		UserID:      strings.TrimSpace(c.Query("user_id")),
		TriggerType: c.Query("trigger_type"),
		OrderBy:     c.Query("order_by"),
	}
	if v := c.Query("enabled"); v != "" {
		enabled := v == "true" || v == "1"
		params.Enabled = &enabled
	}
	params.Limit, _ = strconv.Atoi(c.Query("limit"))
	params.Offset, _ = strconv.Atoi(c.Query("offset"))
	items, err := h.Repo.ListRules(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func (h *RuleHandler) loadRule(c *gin.Context) *models.MonitorRule {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		Error(c, http.StatusBadRequest, "invalid rule id", nil)
		return nil
	}
	item, err := h.Repo.GetRule(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return nil
	}
	if item == nil {
		Error(c, http.StatusNotFound, "rule not found", nil)
		return nil
	}
	return item
}

func (h *RuleHandler) get(c *gin.Context) {
	if item := h.loadRule(c); item != nil {
		Ok(c, item, nil)
	}
}

func (h *RuleHandler) update(c *gin.Context) {
	item := h.loadRule(c)
	if item == nil {
		return
	}
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if req.UserID == "" {
		req.UserID = item.UserID
	}
	if req.UserID != item.UserID {
		Error(c, http.StatusBadRequest, "rules cannot change owner", nil)
		return
	}
	if req.TriggerType == "" {
		req.TriggerType = item.TriggerType
		if req.TriggerConfig == nil {
			req.TriggerConfig = json.RawMessage(item.TriggerConfig)
		}
	}
	if req.ActionType == "" {
		req.ActionType = item.ActionType
		if req.ActionConfig == nil {
			req.ActionConfig = json.RawMessage(item.ActionConfig)
		}
	}
	if req.Symbol == "" {
		req.Symbol = item.Symbol
	}
	if req.Name == "" {
		req.Name = item.Name
	}
	next, ok := h.buildRule(c, &req)
	if !ok {
		return
	}
	next.ID = item.ID
	next.FireCount = item.FireCount
	next.FiredAt = item.FiredAt
	next.CreatedAt = item.CreatedAt
	if req.Enabled == nil {
		next.Enabled = item.Enabled
	}
	if req.MaxFires == nil {
		next.MaxFires = item.MaxFires
	}
	if req.ExpiresAt == nil {
		next.ExpiresAt = item.ExpiresAt
	}
	if err := h.Repo.UpdateRule(c.Request.Context(), next); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, next, nil)
}

func (h *RuleHandler) setEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		item := h.loadRule(c)
		if item == nil {
			return
		}
		if err := h.Repo.SetRuleEnabled(c.Request.Context(), item.ID, enabled); err != nil {
			Error(c, http.StatusBadGateway, err.Error(), nil)
			return
		}
		Ok(c, map[string]any{"id": item.ID, "enabled": enabled}, nil)
	}
}

func (h *RuleHandler) delete(c *gin.Context) {
	item := h.loadRule(c)
	if item == nil {
		return
	}
	if err := h.Repo.DeleteRule(c.Request.Context(), item.ID); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"id": item.ID, "deleted": true}, nil)
}

func (h *RuleHandler) fires(c *gin.Context) {
	item := h.loadRule(c)
	if item == nil {
		return
	}
	params := repository.ListFiresParams{RuleID: item.ID}
	params.Limit, _ = strconv.Atoi(c.Query("limit"))
	params.Offset, _ = strconv.Atoi(c.Query("offset"))
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid since, want RFC3339", nil)
			return
		}
		params.Since = &since
	}
	items, err := h.Repo.ListFires(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"count": len(items)})
}
