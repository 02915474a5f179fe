package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"tradewatch/internal/broker"
	"tradewatch/internal/models"
)

// Store is the slice of the repository the provider needs.
type Store interface {
	GetBrokerToken(ctx context.Context, userID string) (*models.BrokerToken, error)
	UpdateBrokerAccessToken(ctx context.Context, userID, accessToken string, generatedAt time.Time) error
}

// Provider resolves a usable access token per user. Precedence: manual
// override, then the stored token while it is still fresh, then TOTP-based
// automatic re-login. The engine itself never logs in.
type Provider struct {
	store  Store
	broker *broker.Client
	login  *loginClient
	log    *zap.Logger
	now    func() time.Time
}

type ProviderOptions struct {
	Store  Store
	Broker *broker.Client
	Logger *zap.Logger

	// LoginBase and ConnectBase override the broker login endpoints in
	// tests.
	LoginBase   string
	ConnectBase string
	Now         func() time.Time
}

func NewProvider(opts ProviderOptions) *Provider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provider{
		store:  opts.Store,
		broker: opts.Broker,
		login:  newLoginClient(opts.LoginBase, opts.ConnectBase),
		log:    opts.Logger,
		now:    opts.Now,
	}
}

// AccessToken returns a usable token for the user, re-logging in when the
// stored one has expired and auto-login credentials exist.
func (p *Provider) AccessToken(ctx context.Context, userID string) (string, error) {
	_, accessToken, err := p.Credentials(ctx, userID)
	return accessToken, err
}

// Credentials returns the user's API key plus a usable access token.
func (p *Provider) Credentials(ctx context.Context, userID string) (apiKey, accessToken string, err error) {
	bt, err := p.store.GetBrokerToken(ctx, userID)
	if err != nil {
		return "", "", fmt.Errorf("load broker token for %s: %w", userID, err)
	}
	if bt == nil {
		return "", "", fmt.Errorf("no broker credentials for user %s", userID)
	}

	if manual := strings.TrimSpace(bt.ManualToken); manual != "" {
		return bt.APIKey, manual, nil
	}
	if bt.AccessToken != "" && bt.GeneratedAt != nil && tokenFresh(*bt.GeneratedAt, p.now()) {
		return bt.APIKey, bt.AccessToken, nil
	}
	accessToken, err = p.relogin(ctx, bt)
	if err != nil {
		return "", "", err
	}
	return bt.APIKey, accessToken, nil
}

func (p *Provider) relogin(ctx context.Context, bt *models.BrokerToken) (string, error) {
	password := string(RevealCredential("password", []byte(bt.Password)))
	totpSecret := string(RevealCredential("totp_secret", []byte(bt.TOTPSecret)))
	apiSecret := string(RevealCredential("api_secret", []byte(bt.APISecret)))
	if bt.LoginID == "" || password == "" || totpSecret == "" || apiSecret == "" {
		return "", fmt.Errorf("token expired and auto-login credentials incomplete for user %s", bt.UserID)
	}

	code, err := totp.GenerateCode(totpSecret, p.now())
	if err != nil {
		return "", fmt.Errorf("generate totp for %s: %w", bt.UserID, err)
	}
	requestToken, err := p.login.requestToken(ctx, bt.APIKey, bt.LoginID, password, code)
	if err != nil {
		return "", fmt.Errorf("broker login for %s: %w", bt.UserID, err)
	}
	accessToken, err := p.broker.GenerateSession(bt.APIKey, requestToken, apiSecret)
	if err != nil {
		return "", fmt.Errorf("exchange request token for %s: %w", bt.UserID, err)
	}

	generatedAt := p.now()
	if err := p.store.UpdateBrokerAccessToken(ctx, bt.UserID, accessToken, generatedAt); err != nil {
		// The token is still good for this process; only the persisted
		// copy is stale.
		p.log.Warn("persist refreshed access token failed",
			zap.String("user_id", bt.UserID), zap.Error(err))
	}
	p.log.Info("broker access token refreshed", zap.String("user_id", bt.UserID))
	return accessToken, nil
}

var brokerTZ = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", int(5.5*3600))
	}
	return loc
}()

// tokenFresh reports whether a token generated at the given time is still
// valid. The broker invalidates all tokens at 06:00 exchange time daily.
func tokenFresh(generatedAt, now time.Time) bool {
	n := now.In(brokerTZ)
	cutoff := time.Date(n.Year(), n.Month(), n.Day(), 6, 0, 0, 0, brokerTZ)
	if n.Before(cutoff) {
		cutoff = cutoff.AddDate(0, 0, -1)
	}
	return generatedAt.After(cutoff)
}
