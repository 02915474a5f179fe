package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const (
	defaultLoginBase   = "https://kite.zerodha.com"
	defaultConnectBase = "https://kite.trade"
)

// loginClient drives the broker's interactive login flow headlessly:
// password login, TOTP second factor, then the connect redirect that yields
// the one-time request token.
type loginClient struct {
	loginBase   string
	connectBase string
}

func newLoginClient(loginBase, connectBase string) *loginClient {
	if loginBase == "" {
		loginBase = defaultLoginBase
	}
	if connectBase == "" {
		connectBase = defaultConnectBase
	}
	return &loginClient{loginBase: loginBase, connectBase: connectBase}
}

type loginResponse struct {
	Status string `json:"status"`
	Data   struct {
		RequestID string `json:"request_id"`
	} `json:"data"`
	Message string `json:"message"`
}

func (c *loginClient) requestToken(ctx context.Context, apiKey, loginID, password, totpCode string) (string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", err
	}
	var requestToken string
	client := &http.Client{
		Jar:     jar,
		Timeout: 30 * time.Second,
		// The final redirect carries the request token; there is no
		// need to follow it to the app's redirect URL.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if tok := req.URL.Query().Get("request_token"); tok != "" {
				requestToken = tok
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	requestID, err := c.passwordLogin(ctx, client, loginID, password)
	if err != nil {
		return "", err
	}
	if err := c.twoFactor(ctx, client, loginID, requestID, totpCode); err != nil {
		return "", err
	}

	connectURL := fmt.Sprintf("%s/connect/login?v=3&api_key=%s", c.connectBase, url.QueryEscape(apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, connectURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("connect login: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if requestToken == "" {
		return "", fmt.Errorf("connect login did not yield a request token (status %d)", resp.StatusCode)
	}
	return requestToken, nil
}

func (c *loginClient) passwordLogin(ctx context.Context, client *http.Client, loginID, password string) (string, error) {
	form := url.Values{"user_id": {loginID}, "password": {password}}
	out, err := c.postForm(ctx, client, c.loginBase+"/api/login", form)
	if err != nil {
		return "", fmt.Errorf("password login: %w", err)
	}
	if out.Data.RequestID == "" {
		return "", fmt.Errorf("password login rejected: %s", out.Message)
	}
	return out.Data.RequestID, nil
}

func (c *loginClient) twoFactor(ctx context.Context, client *http.Client, loginID, requestID, totpCode string) error {
	form := url.Values{
		"user_id":      {loginID},
		"request_id":   {requestID},
		"twofa_value":  {totpCode},
		"twofa_type":   {"totp"},
		"skip_session": {"true"},
	}
	out, err := c.postForm(ctx, client, c.loginBase+"/api/twofa", form)
	if err != nil {
		return fmt.Errorf("totp verification: %w", err)
	}
	if out.Status != "success" {
		return fmt.Errorf("totp verification rejected: %s", out.Message)
	}
	return nil
}

func (c *loginClient) postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) (*loginResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out loginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unexpected response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Message != "" {
			return &out, fmt.Errorf("status %d: %s", resp.StatusCode, out.Message)
		}
		return &out, fmt.Errorf("status %d", resp.StatusCode)
	}
	return &out, nil
}
