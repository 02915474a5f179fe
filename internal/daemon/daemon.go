package daemon

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"tradewatch/internal/broker"
	"tradewatch/internal/executor"
	"tradewatch/internal/models"
	"tradewatch/internal/rules"
	"tradewatch/internal/stream"
)

const (
	DefaultPollInterval = 30 * time.Second
)

// Store is the slice of the repository the daemon needs.
type Store interface {
	ListActiveRules(ctx context.Context) ([]models.MonitorRule, error)
	UpdateRuleTriggerConfig(ctx context.Context, id uint64, cfg datatypes.JSON) error
}

// TokenSource resolves broker credentials per user.
type TokenSource interface {
	Credentials(ctx context.Context, userID string) (apiKey, accessToken string, err error)
}

// SessionControl is the session-manager surface the daemon drives.
type SessionControl interface {
	StartUser(ctx context.Context, userID string, bs *broker.Session, ruleSet []models.MonitorRule) error
	SyncRules(ctx context.Context, userID string, ruleSet []models.MonitorRule) error
	StopUser(userID string)
	StopAll()
}

type userState struct {
	apiKey string
	token  string
	bs     *broker.Session
	rules  []models.MonitorRule
}

// Daemon is the engine's control loop. Each poll it reloads active rules,
// reconciles per-user sessions against them and runs time-triggered rules.
// Between polls it reacts to stream events through the session Handler
// interface.
type Daemon struct {
	store         Store
	tokens        TokenSource
	broker        *broker.Client
	sessions      SessionControl
	exec          *executor.Executor
	log           *zap.Logger
	pollInterval  time.Duration
	timeTolerance time.Duration
	now           func() time.Time

	mu       sync.Mutex
	users    map[string]*userState
	inFlight map[string]struct{}
}

type Options struct {
	Store    Store
	Tokens   TokenSource
	Broker   *broker.Client
	Sessions SessionControl
	Executor *executor.Executor
	Logger   *zap.Logger

	PollInterval  time.Duration
	TimeTolerance time.Duration
	Now           func() time.Time
}

func New(opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TimeTolerance <= 0 {
		opts.TimeTolerance = rules.DefaultTimeTolerance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Daemon{
		store:         opts.Store,
		tokens:        opts.Tokens,
		broker:        opts.Broker,
		sessions:      opts.Sessions,
		exec:          opts.Executor,
		log:           opts.Logger,
		pollInterval:  opts.PollInterval,
		timeTolerance: opts.TimeTolerance,
		now:           opts.Now,
		users:         make(map[string]*userState),
		inFlight:      make(map[string]struct{}),
	}
}

// AttachSessions wires the session manager in after construction. The manager
// needs the daemon as its event handler, so one of the two is always built
// first without the other.
func (d *Daemon) AttachSessions(s SessionControl) {
	d.sessions = s
}

// Run polls until the context is cancelled, then tears down every session.
func (d *Daemon) Run(ctx context.Context) {
	d.log.Info("daemon started", zap.Duration("poll_interval", d.pollInterval))
	d.poll(ctx)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.sessions.StopAll()
			d.log.Info("daemon stopped")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll reconciles live sessions against the current rule set: users without
// rules or a usable token are stopped, new users started, the rest synced
// incrementally. A token change restarts the user's session, since both feed
// URLs embed the token.
func (d *Daemon) poll(ctx context.Context) {
	active, err := d.store.ListActiveRules(ctx)
	if err != nil {
		d.log.Error("load active rules failed", zap.Error(err))
		return
	}
	byUser := make(map[string][]models.MonitorRule)
	for _, r := range active {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}

	d.mu.Lock()
	var stale []string
	for userID := range d.users {
		if _, ok := byUser[userID]; !ok {
			stale = append(stale, userID)
			delete(d.users, userID)
		}
	}
	d.mu.Unlock()
	for _, userID := range stale {
		d.sessions.StopUser(userID)
		d.log.Info("user has no active rules, session stopped", zap.String("user_id", userID))
	}

	for userID, ruleSet := range byUser {
		d.reconcileUser(ctx, userID, ruleSet)
	}

	d.runTimeRules(ctx)
}

func (d *Daemon) reconcileUser(ctx context.Context, userID string, ruleSet []models.MonitorRule) {
	apiKey, token, err := d.tokens.Credentials(ctx, userID)
	if err != nil {
		d.log.Warn("no usable broker token, user skipped",
			zap.String("user_id", userID), zap.Error(err))
		d.mu.Lock()
		had := d.users[userID] != nil
		delete(d.users, userID)
		d.mu.Unlock()
		if had {
			d.sessions.StopUser(userID)
		}
		return
	}

	d.mu.Lock()
	st := d.users[userID]
	d.mu.Unlock()

	switch {
	case st == nil || st.token != token:
		bs := d.broker.Session(apiKey, token)
		if err := d.sessions.StartUser(ctx, userID, bs, ruleSet); err != nil {
			d.log.Error("start user session failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
		d.mu.Lock()
		d.users[userID] = &userState{apiKey: apiKey, token: token, bs: bs, rules: ruleSet}
		d.mu.Unlock()
	default:
		if err := d.sessions.SyncRules(ctx, userID, ruleSet); err != nil {
			d.log.Warn("sync rules failed", zap.String("user_id", userID), zap.Error(err))
		}
		d.mu.Lock()
		st.rules = ruleSet
		d.mu.Unlock()
	}
}

// runTimeRules evaluates every time-triggered rule against the clock. The
// poll loop, not a scheduler, drives these, so the trigger tolerance must
// cover at least one poll interval.
func (d *Daemon) runTimeRules(ctx context.Context) {
	evalCtx := &rules.EvalContext{Now: d.now(), TimeTolerance: d.timeTolerance}
	var fires []pendingFire
	d.mu.Lock()
	for _, st := range d.users {
		for i := range st.rules {
			rule := &st.rules[i]
			if rule.TriggerType != rules.TriggerTime {
				continue
			}
			// Already fired inside the current window; the next poll would
			// otherwise re-fire it.
			if rule.FiredAt != nil && evalCtx.Now.Sub(*rule.FiredAt) < d.timeTolerance {
				continue
			}
			if res := d.evaluateLocked(ctx, st, rule, evalCtx); res != nil {
				fires = append(fires, pendingFire{rule: *rule, res: *res, bs: st.bs})
			}
		}
	}
	d.mu.Unlock()
	d.execute(ctx, fires)
}

// HandleTick runs every rule of the user that watches this instrument against
// the tick's context. Time and order-status rules are driven elsewhere.
func (d *Daemon) HandleTick(userID string, instrumentToken uint32, evalCtx *rules.EvalContext) {
	ctx := context.Background()
	evalCtx.TimeTolerance = d.timeTolerance
	var fires []pendingFire
	d.mu.Lock()
	st := d.users[userID]
	if st == nil {
		d.mu.Unlock()
		return
	}
	for i := range st.rules {
		rule := &st.rules[i]
		if !rules.RequiresInstrument(rule.TriggerType) ||
			rule.InstrumentToken == nil || *rule.InstrumentToken != instrumentToken {
			continue
		}
		if res := d.evaluateLocked(ctx, st, rule, evalCtx); res != nil {
			fires = append(fires, pendingFire{rule: *rule, res: *res, bs: st.bs})
		}
	}
	d.mu.Unlock()
	d.execute(ctx, fires)
}

// HandleOrder matches a portfolio-stream order event against the user's
// order-status rules.
func (d *Daemon) HandleOrder(userID string, upd stream.OrderUpdate) {
	ctx := context.Background()
	ev := orderEvent(upd)
	evalCtx := &rules.EvalContext{Now: d.now(), OrderEvent: &ev, TimeTolerance: d.timeTolerance}
	var fires []pendingFire
	d.mu.Lock()
	st := d.users[userID]
	if st == nil {
		d.mu.Unlock()
		return
	}
	for i := range st.rules {
		rule := &st.rules[i]
		if rule.TriggerType != rules.TriggerOrderStatus {
			continue
		}
		if res := d.evaluateLocked(ctx, st, rule, evalCtx); res != nil {
			fires = append(fires, pendingFire{rule: *rule, res: *res, bs: st.bs})
		}
	}
	d.mu.Unlock()
	d.execute(ctx, fires)
}

// HandleAuthFailure refreshes the user's token and restarts their session.
// Concurrent calls for the same user collapse into one in-flight refresh; a
// refresh that yields the same dead token leaves the user stopped until the
// next poll retries.
func (d *Daemon) HandleAuthFailure(userID string) {
	d.mu.Lock()
	if _, busy := d.inFlight[userID]; busy {
		d.mu.Unlock()
		return
	}
	d.inFlight[userID] = struct{}{}
	var oldToken string
	var ruleSet []models.MonitorRule
	if st := d.users[userID]; st != nil {
		oldToken = st.token
		ruleSet = st.rules
	}
	d.mu.Unlock()

	// The stream's own goroutine delivers this callback; stopping the
	// session from it would deadlock.
	go d.refreshUser(userID, oldToken, ruleSet)
}

func (d *Daemon) refreshUser(userID, oldToken string, ruleSet []models.MonitorRule) {
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, userID)
		d.mu.Unlock()
	}()
	ctx := context.Background()
	log := d.log.With(zap.String("user_id", userID))

	d.sessions.StopUser(userID)
	apiKey, token, err := d.tokens.Credentials(ctx, userID)
	if err != nil || token == oldToken {
		d.mu.Lock()
		delete(d.users, userID)
		d.mu.Unlock()
		if err != nil {
			log.Warn("token refresh after auth failure failed, user stays stopped until next poll", zap.Error(err))
		} else {
			log.Warn("auth failure but token unchanged, user stays stopped until next poll")
		}
		return
	}

	bs := d.broker.Session(apiKey, token)
	if err := d.sessions.StartUser(ctx, userID, bs, ruleSet); err != nil {
		d.mu.Lock()
		delete(d.users, userID)
		d.mu.Unlock()
		log.Error("session restart after token refresh failed", zap.Error(err))
		return
	}
	d.mu.Lock()
	d.users[userID] = &userState{apiKey: apiKey, token: token, bs: bs, rules: ruleSet}
	d.mu.Unlock()
	log.Info("session restarted with refreshed token")
}

type pendingFire struct {
	rule models.MonitorRule
	res  rules.Result
	bs   *broker.Session
}

// evaluateLocked runs one rule in place under d.mu. Trailing-stop updates are
// applied to the in-memory rule first and then persisted, so the next tick
// sees the moved extreme even if the write fails. A fired rule's counters
// advance in memory immediately; the fire log write makes them durable.
func (d *Daemon) evaluateLocked(ctx context.Context, st *userState, rule *models.MonitorRule, evalCtx *rules.EvalContext) *rules.Result {
	res, err := rules.Evaluate(rule, evalCtx)
	if err != nil {
		d.log.Warn("rule evaluation failed",
			zap.Uint64("rule_id", rule.ID), zap.String("user_id", rule.UserID), zap.Error(err))
		return nil
	}
	if res.TriggerUpdate != nil {
		if cfg, merr := json.Marshal(res.TriggerUpdate); merr == nil {
			rule.TriggerConfig = datatypes.JSON(cfg)
			if perr := d.store.UpdateRuleTriggerConfig(ctx, rule.ID, rule.TriggerConfig); perr != nil {
				d.log.Warn("persist trailing stop state failed",
					zap.Uint64("rule_id", rule.ID), zap.Error(perr))
			}
		}
	}
	if res.Skipped || !res.Fired {
		return nil
	}

	firedAt := evalCtx.Now
	rule.FireCount++
	rule.FiredAt = &firedAt
	if rule.MaxFires != nil && rule.FireCount >= *rule.MaxFires {
		rule.Enabled = false
	}
	for _, id := range res.RulesToCancel {
		for i := range st.rules {
			if st.rules[i].ID == id {
				st.rules[i].Enabled = false
			}
		}
	}
	return &res
}

func (d *Daemon) execute(ctx context.Context, fires []pendingFire) {
	for _, f := range fires {
		var bs executor.BrokerSession
		if f.bs != nil {
			bs = f.bs
		}
		d.exec.Execute(ctx, &f.rule, f.res, bs)
	}
}

// orderEvent normalizes a broker order update to the status vocabulary
// order-status triggers use. A partial fill arrives as an OPEN or UPDATE
// event with filled_quantity strictly between zero and quantity.
func orderEvent(upd stream.OrderUpdate) rules.OrderEvent {
	status := strings.ToLower(upd.Status)
	switch status {
	case "complete", "rejected", "cancelled":
	default:
		if upd.FilledQuantity > 0 && upd.FilledQuantity < upd.Quantity {
			status = "partially_filled"
		}
	}
	return rules.OrderEvent{OrderID: upd.OrderID, Status: status}
}
