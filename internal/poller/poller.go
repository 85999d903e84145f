// Package poller drives the poll loop: hot-reloading runtime configuration,
// rotating the daily store at date boundaries, collecting live tokens,
// fetching, and sequencing dispatch.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"sms-code-relay-go/internal/config"
	"sms-code-relay-go/internal/fetcher"
	"sms-code-relay-go/internal/metrics"
	"sms-code-relay-go/internal/models"
)

// TokenSource provides live upstream tokens per account.
type TokenSource interface {
	Token(ctx context.Context, account models.Account) (string, error)
	Reload()
}

// Fetcher merges candidate messages from all sources.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []fetcher.Source, startDate string, limit int) ([]models.Message, error)
}

// Dispatcher delivers messages to owed destinations.
type Dispatcher interface {
	Owed(state *models.DayState, msg models.Message, destinations []models.Destination) []models.Destination
	Dispatch(ctx context.Context, state *models.DayState, msg models.Message, owed []models.Destination) error
	ResetInvalid()
}

// StateStore is the slice of the storage layer the poller needs.
type StateStore interface {
	LoadDayState(day string) (*models.DayState, error)
	DeleteOtherDays(keep string) error
	LoadAccounts() ([]models.Account, error)
	LoadDestinations() ([]models.Destination, error)
	RuntimeMap() (map[string]any, error)
}

// Endpoint is the upstream client knob the poller turns on hot reload.
type Endpoint interface {
	SetBase(baseURL, apiKey string)
}

// Poller manages the periodic relay cycle
type Poller struct {
	cron       *cron.Cron
	entryID    cron.EntryID
	defaults   config.RuntimeDefaults
	store      StateStore
	endpoint   Endpoint
	broker     TokenSource
	fetcher    Fetcher
	dispatcher Dispatcher
	metrics    *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	cycleMu   sync.Mutex

	runtime      config.Runtime
	accounts     []models.Account
	destinations []models.Destination
	activeDay    string
	state        *models.DayState
	lastRun      time.Time

	lastLogAt map[string]time.Time
	now       func() time.Time
}

// New creates a poller. Runtime settings are resolved on the first cycle.
func New(defaults config.RuntimeDefaults, store StateStore, endpoint Endpoint, broker TokenSource, f Fetcher, dispatcher Dispatcher, m *metrics.Metrics) *Poller {
	ctx, cancel := context.WithCancel(context.Background())

	return &Poller{
		cron:       cron.New(cron.WithSeconds()),
		defaults:   defaults,
		store:      store,
		endpoint:   endpoint,
		broker:     broker,
		fetcher:    f,
		dispatcher: dispatcher,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		runtime:    config.RuntimeFromMap(nil, defaults),
		lastLogAt:  map[string]time.Time{},
		now:        time.Now,
	}
}

// Start begins periodic polling.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("poller is already running")
	}

	p.reloadRuntime(true)

	entryID, err := p.cron.AddFunc(scheduleFor(p.runtime.PollInterval), p.runCycle)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	p.entryID = entryID
	p.cron.Start()
	p.isRunning = true

	logrus.Infof("started polling | interval=%s | start_date=%s | limit=%d",
		p.runtime.PollInterval, p.runtime.StartDate, p.runtime.Limit)
	return nil
}

// Stop cancels the loop and waits for any in-flight cycle to finish, so the
// store is never left half-written.
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return nil
	}

	p.cancel()
	ctx := p.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Poller stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Poller stop timeout, forcing shutdown")
	}

	p.isRunning = false
	return nil
}

// Wait blocks until all in-flight cycles return.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// IsRunning returns whether the poller is running
func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

// LastRun returns the end time of the most recent productive cycle.
func (p *Poller) LastRun() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRun
}

// NextRun returns the next scheduled cycle time.
func (p *Poller) NextRun() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.isRunning {
		return time.Time{}
	}
	return p.cron.Entry(p.entryID).Next
}

// ActiveDay returns the day key of the active store.
func (p *Poller) ActiveDay() string {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	return p.activeDay
}

// RunCycle executes one cycle synchronously, out of schedule. Used by the
// admin run-now endpoint.
func (p *Poller) RunCycle() {
	p.runCycle()
}

// RunOnce loads runtime settings and executes exactly one cycle. The cron
// schedule is never registered, so no second cycle can start behind it.
func (p *Poller) RunOnce() {
	p.mu.Lock()
	p.reloadRuntime(true)
	p.mu.Unlock()

	p.runCycle()
}

func scheduleFor(interval time.Duration) string {
	return fmt.Sprintf("@every %ds", int(interval.Seconds()))
}

// runCycle is the periodic cycle body.
func (p *Poller) runCycle() {
	p.wg.Add(1)
	defer p.wg.Done()

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	select {
	case <-p.ctx.Done():
		return
	default:
	}

	start := p.now()
	p.metrics.CycleCount.Inc()
	defer func() {
		p.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	p.reloadRuntime(false)

	if !p.runtime.FetchEnabled {
		if p.shouldLog("fetch_paused", 2*time.Minute) {
			logrus.Info("fetching is paused by runtime config")
		}
		return
	}

	if len(p.destinations) == 0 {
		if p.shouldLog("no_destinations", 2*time.Minute) {
			logrus.Warn("no destinations configured; skipping cycle")
		}
		return
	}

	p.rotateDay()

	sources := p.collectSources()
	messages, err := p.fetcher.FetchAll(p.ctx, sources, p.runtime.StartDate, p.runtime.Limit)
	if err != nil {
		// Zero reachable sources means no new messages this cycle, not a
		// cycle failure.
		p.metrics.FetchFailures.Inc()
		if p.shouldLog("all_sources_failed", 2*time.Minute) {
			logrus.Warnf("fetch produced nothing | error=%v", err)
		}
		return
	}
	p.metrics.MessagesFetched.Add(float64(len(messages)))

	pending := 0
	for _, msg := range messages {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		owed := p.dispatcher.Owed(p.state, msg, p.destinations)
		if len(owed) == 0 {
			continue
		}
		pending++
		if err := p.dispatcher.Dispatch(p.ctx, p.state, msg, owed); err != nil {
			logrus.Errorf("failed to persist delivery state | error=%v", err)
		}
	}

	if pending == 0 {
		if p.shouldLog("no_new_messages", 5*time.Minute) {
			logrus.Info("no new messages")
		}
	} else {
		logrus.Infof("cycle complete | candidates=%d | dispatched=%d | duration=%s",
			len(messages), pending, time.Since(start))
	}

	p.mu.Lock()
	p.lastRun = p.now()
	p.mu.Unlock()
}

// reloadRuntime re-reads the stored runtime record. Unless forced, the new
// settings only apply when the update marker changed since last seen.
func (p *Poller) reloadRuntime(force bool) {
	raw, err := p.store.RuntimeMap()
	if err != nil {
		logrus.Warnf("failed to load runtime config: %v", err)
		if !force {
			return
		}
	}

	rt := config.RuntimeFromMap(raw, p.defaults)
	if !force && (rt.UpdateMarker == "" || rt.UpdateMarker == p.runtime.UpdateMarker) {
		return
	}

	previousInterval := p.runtime.PollInterval
	p.runtime = rt
	p.endpoint.SetBase(rt.APIBaseURL, rt.APIKey)
	p.broker.Reload()
	p.dispatcher.ResetInvalid()

	if p.accounts, err = p.store.LoadAccounts(); err != nil {
		logrus.Warnf("failed to load accounts: %v", err)
		p.accounts = nil
	}
	if p.destinations, err = p.store.LoadDestinations(); err != nil {
		logrus.Warnf("failed to load destinations: %v", err)
		p.destinations = nil
	}
	p.metrics.ActiveDestinations.Set(float64(len(p.destinations)))

	// Re-read persisted delivery state so admin-side clears take effect
	// without waiting for a restart or day rotation.
	if p.activeDay != "" {
		if state, loadErr := p.store.LoadDayState(p.activeDay); loadErr == nil {
			p.state = state
		}
	}

	if p.isRunning && rt.PollInterval != previousInterval {
		p.cron.Remove(p.entryID)
		if entryID, addErr := p.cron.AddFunc(scheduleFor(rt.PollInterval), p.runCycle); addErr == nil {
			p.entryID = entryID
		} else {
			logrus.Errorf("failed to reschedule poll cycle: %v", addErr)
		}
	}

	if !force {
		logrus.Infof("runtime refresh applied | marker=%s | api_base=%s | start_date=%s | limit=%d | destinations=%d",
			rt.UpdateMarker, rt.APIBaseURL, rt.StartDate, rt.Limit, len(p.destinations))
	}
}

// rotateDay swaps in a fresh store when the calendar day changed and purges
// every other persisted day.
func (p *Poller) rotateDay() {
	today := p.now().Format("2006-01-02")
	if today == p.activeDay && p.state != nil {
		return
	}

	rotated := p.activeDay != "" && p.activeDay != today
	p.activeDay = today

	if err := p.store.DeleteOtherDays(today); err != nil {
		logrus.Warnf("failed to purge old day states: %v", err)
	}

	state, err := p.store.LoadDayState(today)
	if err != nil {
		logrus.Errorf("failed to load day state: %v", err)
		state = models.NewDayState(today)
	}
	p.state = state

	if rotated {
		p.metrics.DayRotations.Inc()
		logrus.Infof("rotated daily store | day=%s", today)
	}
}

// collectSources resolves a live token per account plus the optional static
// session token. Accounts that fail to login are skipped for this cycle.
func (p *Poller) collectSources() []fetcher.Source {
	var sources []fetcher.Source

	if p.runtime.SessionToken != "" {
		sources = append(sources, fetcher.Source{Name: "api_token", Token: p.runtime.SessionToken})
	}

	for i := range p.accounts {
		account := p.accounts[i]
		token, err := p.broker.Token(p.ctx, account)
		if err != nil {
			p.metrics.LoginFailures.Inc()
			if p.shouldLog("login_failed_"+account.Name, 2*time.Minute) {
				logrus.Warnf("account login failed | account=%s | error=%v", account.Name, err)
			}
			continue
		}
		sources = append(sources, fetcher.Source{Name: account.Name, Token: token, Account: &account})
	}

	return sources
}

// shouldLog throttles repetitive log lines per key.
func (p *Poller) shouldLog(key string, every time.Duration) bool {
	now := p.now()
	if last, ok := p.lastLogAt[key]; ok && now.Sub(last) < every {
		return false
	}
	p.lastLogAt[key] = now
	return true
}
