package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tradewatch/internal/models"
	"tradewatch/internal/repository"
	"tradewatch/internal/token"
)

// BrokerTokenHandler manages per-user broker credentials. Secrets are sealed
// before they reach the store and are never echoed back.
type BrokerTokenHandler struct {
	Repo repository.Repository
}

func (h *BrokerTokenHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/broker-credentials")
	g.PUT("", h.put)
	g.GET("/:user_id", h.get)
}

type brokerCredentialsRequest struct {
	UserID      string `json:"user_id"`
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
	LoginID     string `json:"login_id"`
	Password    string `json:"password"`
	TOTPSecret  string `json:"totp_secret"`
	ManualToken string `json:"manual_token"`
}

type brokerCredentialsView struct {
	UserID         string `json:"user_id"`
	APIKey         string `json:"api_key"`
	LoginID        string `json:"login_id"`
	HasAPISecret   bool   `json:"has_api_secret"`
	HasPassword    bool   `json:"has_password"`
	HasTOTPSecret  bool   `json:"has_totp_secret"`
	HasManualToken bool   `json:"has_manual_token"`
	HasAccessToken bool   `json:"has_access_token"`
}

func (h *BrokerTokenHandler) put(c *gin.Context) {
	var req brokerCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.APIKey) == "" {
		Error(c, http.StatusBadRequest, "user_id and api_key are required", nil)
		return
	}
	item := &models.BrokerToken{
		UserID:      req.UserID,
		APIKey:      req.APIKey,
		LoginID:     req.LoginID,
		ManualToken: req.ManualToken,
	}
	if req.APISecret != "" {
		item.APISecret = string(token.ProtectCredential("api_secret", []byte(req.APISecret)))
	}
	if req.Password != "" {
		item.Password = string(token.ProtectCredential("password", []byte(req.Password)))
	}
	if req.TOTPSecret != "" {
		item.TOTPSecret = string(token.ProtectCredential("totp_secret", []byte(req.TOTPSecret)))
	}
	if err := h.Repo.UpsertBrokerToken(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, view(item), nil)
}

func (h *BrokerTokenHandler) get(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		Error(c, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	item, err := h.Repo.GetBrokerToken(c.Request.Context(), userID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "no broker credentials for user", nil)
		return
	}
	Ok(c, view(item), nil)
}

func view(item *models.BrokerToken) brokerCredentialsView {
	return brokerCredentialsView{
		UserID:         item.UserID,
		APIKey:         item.APIKey,
		LoginID:        item.LoginID,
		HasAPISecret:   item.APISecret != "",
		HasPassword:    item.Password != "",
		HasTOTPSecret:  item.TOTPSecret != "",
		HasManualToken: item.ManualToken != "",
		HasAccessToken: item.AccessToken != "",
	}
}
