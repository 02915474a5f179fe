package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"tradewatch/internal/models"
)

func mkRouter(repo *stubRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	(&RuleHandler{Repo: repo}).Register(r)
	(&BrokerTokenHandler{Repo: repo}).Register(r)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: bad response %s", method, path, w.Body.String())
	}
	return w, out
}

func ruleBody(overrides map[string]any) map[string]any {
	body := map[string]any{
		"user_id":        "u1",
		"name":           "buy the dip",
		"trigger_type":   "price",
		"trigger_config": map[string]any{"condition": "lte", "price": 2400.0},
		"action_type":    "place_order",
		"action_config": map[string]any{
			"symbol": "RELIANCE", "transaction_type": "BUY", "quantity": 10,
			"order_type": "MARKET", "product": "MIS",
		},
		"symbol": "RELIANCE",
	}
	for k, v := range overrides {
		body[k] = v
	}
	return body
}

func TestCreateRule(t *testing.T) {
	repo := newStubRepo()
	repo.addInstrument(models.Instrument{Token: 738561, Symbol: "RELIANCE", Exchange: "NSE"})
	r := mkRouter(repo)

	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/rules", ruleBody(nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	stored := repo.rules[1]
	if stored == nil || stored.InstrumentToken == nil || *stored.InstrumentToken != 738561 {
		t.Fatalf("stored=%+v want resolved instrument token", stored)
	}
	if !stored.Enabled {
		t.Fatalf("new rules default to enabled")
	}
}

func TestCreateRule_InvalidTriggerRejected(t *testing.T) {
	repo := newStubRepo()
	repo.addInstrument(models.Instrument{Token: 1, Symbol: "RELIANCE", Exchange: "NSE"})
	r := mkRouter(repo)

	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/rules",
		ruleBody(map[string]any{"trigger_config": map[string]any{"condition": "above", "price": 10}}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400 for bad condition", w.Code)
	}
	if len(repo.rules) != 0 {
		t.Fatalf("invalid rule reached the store")
	}
}

func TestCreateRule_UnknownSymbol(t *testing.T) {
	r := mkRouter(newStubRepo())
	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/rules", ruleBody(nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404 for unknown instrument", w.Code)
	}
}

func TestCreateRule_TimeTriggerNeedsNoSymbol(t *testing.T) {
	repo := newStubRepo()
	r := mkRouter(repo)
	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/rules", ruleBody(map[string]any{
		"trigger_type":   "time",
		"trigger_config": map[string]any{"at": "15:20"},
		"symbol":         "",
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if repo.rules[1].InstrumentToken != nil {
		t.Fatalf("time rule got an instrument token")
	}
}

func TestCreateOCO_LegsCrossLinked(t *testing.T) {
	repo := newStubRepo()
	repo.addInstrument(models.Instrument{Token: 5, Symbol: "INFY", Exchange: "NSE"})
	r := mkRouter(repo)

	target := ruleBody(map[string]any{"symbol": "INFY", "trigger_config": map[string]any{"condition": "gte", "price": 1600.0}})
	stop := ruleBody(map[string]any{"symbol": "INFY", "trigger_config": map[string]any{"condition": "lte", "price": 1400.0}})
	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/rules/oco", map[string]any{"leg_a": target, "leg_b": stop})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	var aCfg, bCfg map[string]any
	if err := json.Unmarshal(repo.rules[1].ActionConfig, &aCfg); err != nil {
		t.Fatalf("leg a config: %v", err)
	}
	if err := json.Unmarshal(repo.rules[2].ActionConfig, &bCfg); err != nil {
		t.Fatalf("leg b config: %v", err)
	}
	if aCfg["also_cancel_rule"] != float64(2) || bCfg["also_cancel_rule"] != float64(1) {
		t.Fatalf("cross links a=%v b=%v", aCfg["also_cancel_rule"], bCfg["also_cancel_rule"])
	}
}

func TestCreateOCO_MixedUsersRejected(t *testing.T) {
	r := mkRouter(newStubRepo())
	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/rules/oco", map[string]any{
		"leg_a": ruleBody(nil),
		"leg_b": ruleBody(map[string]any{"user_id": "u2"}),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", w.Code)
	}
}

func TestEnableDisable(t *testing.T) {
	repo := newStubRepo()
	repo.addInstrument(models.Instrument{Token: 1, Symbol: "RELIANCE", Exchange: "NSE"})
	r := mkRouter(repo)
	doJSON(t, r, http.MethodPost, "/api/v1/rules", ruleBody(nil))

	if w, _ := doJSON(t, r, http.MethodPost, "/api/v1/rules/1/disable", nil); w.Code != http.StatusOK {
		t.Fatalf("disable status=%d", w.Code)
	}
	if repo.rules[1].Enabled {
		t.Fatalf("rule still enabled")
	}
	if w, _ := doJSON(t, r, http.MethodPost, "/api/v1/rules/1/enable", nil); w.Code != http.StatusOK {
		t.Fatalf("enable status=%d", w.Code)
	}
	if !repo.rules[1].Enabled {
		t.Fatalf("rule still disabled")
	}
}

func TestGetRule_NotFound(t *testing.T) {
	r := mkRouter(newStubRepo())
	w, _ := doJSON(t, r, http.MethodGet, "/api/v1/rules/99", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", w.Code)
	}
}

func TestListFires(t *testing.T) {
	repo := newStubRepo()
	repo.addInstrument(models.Instrument{Token: 1, Symbol: "RELIANCE", Exchange: "NSE"})
	r := mkRouter(repo)
	doJSON(t, r, http.MethodPost, "/api/v1/rules", ruleBody(nil))
	repo.fires = []models.RuleFireLog{
		{RuleID: 1, UserID: "u1", ActionTaken: "place_order", ActionResult: datatypes.JSON([]byte(`{"success":true}`))},
		{RuleID: 2, UserID: "u1", ActionTaken: "cancel_rule"},
	}

	w, out := doJSON(t, r, http.MethodGet, "/api/v1/rules/1/fires", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	data, ok := out["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("data=%v want the single fire of rule 1", out["data"])
	}
}

func TestBrokerCredentials_SealedAndNeverEchoed(t *testing.T) {
	t.Setenv("TW_CREDENTIALS_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	repo := newStubRepo()
	r := mkRouter(repo)

	w, _ := doJSON(t, r, http.MethodPut, "/api/v1/broker-credentials", map[string]any{
		"user_id": "u1", "api_key": "k1", "login_id": "AB1234",
		"api_secret": "s3cret", "password": "hunter2", "totp_secret": "JBSWY3DPEHPK3PXP",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("hunter2")) || bytes.Contains(w.Body.Bytes(), []byte("s3cret")) {
		t.Fatalf("response echoed a secret: %s", w.Body.String())
	}
	stored := repo.tokens["u1"]
	if stored.Password == "hunter2" || stored.APISecret == "s3cret" || stored.TOTPSecret == "JBSWY3DPEHPK3PXP" {
		t.Fatalf("secrets stored in plaintext")
	}

	w, out := doJSON(t, r, http.MethodGet, "/api/v1/broker-credentials/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status=%d", w.Code)
	}
	data := out["data"].(map[string]any)
	if data["has_password"] != true || data["has_totp_secret"] != true {
		t.Fatalf("view=%v", data)
	}
	if _, leaked := data["password"]; leaked {
		t.Fatalf("view exposes password field")
	}
}
