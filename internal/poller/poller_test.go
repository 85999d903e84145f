package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sms-code-relay-go/internal/config"
	"sms-code-relay-go/internal/fetcher"
	"sms-code-relay-go/internal/metrics"
	"sms-code-relay-go/internal/models"
)

// promauto registers on the default registry, so one shared instance serves
// every test in the package.
var testMetrics = metrics.New()

type fakeStore struct {
	mu           sync.Mutex
	runtime      map[string]any
	accounts     []models.Account
	destinations []models.Destination
	states       map[string]*models.DayState
	dayDeletes   []string
}

func (f *fakeStore) LoadDayState(day string) (*models.DayState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[day]; ok {
		return state, nil
	}
	return models.NewDayState(day), nil
}

func (f *fakeStore) DeleteOtherDays(keep string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dayDeletes = append(f.dayDeletes, keep)
	return nil
}

func (f *fakeStore) LoadAccounts() ([]models.Account, error)         { return f.accounts, nil }
func (f *fakeStore) LoadDestinations() ([]models.Destination, error) { return f.destinations, nil }

func (f *fakeStore) RuntimeMap() (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]any{}
	for k, v := range f.runtime {
		out[k] = v
	}
	return out, nil
}

type fakeEndpoint struct {
	baseURL string
	apiKey  string
	calls   int
}

func (f *fakeEndpoint) SetBase(baseURL, apiKey string) {
	f.baseURL = baseURL
	f.apiKey = apiKey
	f.calls++
}

type fakeBroker struct {
	tokens  map[string]string
	errs    map[string]error
	reloads int
}

func (f *fakeBroker) Token(ctx context.Context, account models.Account) (string, error) {
	if err, ok := f.errs[account.Name]; ok {
		return "", err
	}
	return f.tokens[account.Name], nil
}

func (f *fakeBroker) Reload() { f.reloads++ }

type fetchCall struct {
	sources   []fetcher.Source
	startDate string
	limit     int
}

type fakeFetcher struct {
	messages []models.Message
	err      error
	calls    []fetchCall
}

func (f *fakeFetcher) FetchAll(ctx context.Context, sources []fetcher.Source, startDate string, limit int) ([]models.Message, error) {
	f.calls = append(f.calls, fetchCall{sources: sources, startDate: startDate, limit: limit})
	if f.err != nil {
		return nil, f.err
	}
	return f.messages, nil
}

type fakeDispatcher struct {
	dispatched []models.Message
	resets     int
}

func (f *fakeDispatcher) Owed(state *models.DayState, msg models.Message, destinations []models.Destination) []models.Destination {
	if state.Seen(msg.Key()) {
		return nil
	}
	return destinations
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, state *models.DayState, msg models.Message, owed []models.Destination) error {
	f.dispatched = append(f.dispatched, msg)
	state.MarkSeen(msg.Key())
	for _, dest := range owed {
		state.MarkDelivered(msg.Key(), dest.ChatID)
	}
	return nil
}

func (f *fakeDispatcher) ResetInvalid() { f.resets++ }

type pollerFixture struct {
	poller     *Poller
	store      *fakeStore
	endpoint   *fakeEndpoint
	broker     *fakeBroker
	fetcher    *fakeFetcher
	dispatcher *fakeDispatcher
}

func newFixture(t *testing.T) *pollerFixture {
	t.Helper()
	store := &fakeStore{
		runtime: map[string]any{
			"messages_update_requested_at": "marker-1",
		},
		accounts:     []models.Account{{Name: "acc1", Email: "one@example.com", Password: "pw", Enabled: true}},
		destinations: []models.Destination{{Name: "alpha", ChatID: "-100", Enabled: true}},
		states:       map[string]*models.DayState{},
	}
	endpoint := &fakeEndpoint{}
	broker := &fakeBroker{tokens: map[string]string{"acc1": "tok-1"}}
	fetch := &fakeFetcher{}
	dispatch := &fakeDispatcher{}

	defaults := config.RuntimeDefaults{
		APIBaseURL:   "https://api.example.com",
		APIKey:       "key-1",
		StartDate:    "2026-08-31",
		Limit:        100,
		PollInterval: 30 * time.Second,
	}
	p := New(defaults, store, endpoint, broker, fetch, dispatch, testMetrics)
	p.now = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }

	return &pollerFixture{poller: p, store: store, endpoint: endpoint, broker: broker, fetcher: fetch, dispatcher: dispatch}
}

func TestRunCycleFetchesAndDispatches(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.messages = []models.Message{
		{Number: "+201111111", ServiceName: "WhatsApp", Body: "code 123-456"},
		{Number: "+201222222", ServiceName: "Telegram", Body: "code 98765"},
	}

	fx.poller.RunCycle()

	require.Len(t, fx.fetcher.calls, 1)
	call := fx.fetcher.calls[0]
	assert.Equal(t, "2026-08-31", call.startDate)
	assert.Equal(t, 100, call.limit)
	require.Len(t, call.sources, 1)
	assert.Equal(t, "acc1", call.sources[0].Name)
	assert.Equal(t, "tok-1", call.sources[0].Token)

	assert.Len(t, fx.dispatcher.dispatched, 2)
	assert.Equal(t, "2026-08-31", fx.poller.ActiveDay())
	assert.False(t, fx.poller.LastRun().IsZero())
}

func TestRunCycleSkipsAlreadyDeliveredMessages(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.messages = []models.Message{
		{Number: "+201111111", ServiceName: "WhatsApp", Body: "code 123-456"},
	}

	fx.poller.RunCycle()
	fx.poller.RunCycle()

	assert.Len(t, fx.fetcher.calls, 2)
	assert.Len(t, fx.dispatcher.dispatched, 1)
}

func TestRunCyclePausedSkipsFetch(t *testing.T) {
	fx := newFixture(t)
	fx.store.runtime["fetch_codes_enabled"] = false

	fx.poller.RunCycle()

	assert.Empty(t, fx.fetcher.calls)
	assert.Empty(t, fx.dispatcher.dispatched)
}

func TestRunCycleNoDestinationsSkipsFetch(t *testing.T) {
	fx := newFixture(t)
	fx.store.destinations = nil

	fx.poller.RunCycle()

	assert.Empty(t, fx.fetcher.calls)
}

func TestRunCycleFetchFailureDoesNotDispatch(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.err = errors.New("all sources failed")

	fx.poller.RunCycle()

	assert.Len(t, fx.fetcher.calls, 1)
	assert.Empty(t, fx.dispatcher.dispatched)
	assert.True(t, fx.poller.LastRun().IsZero())
}

func TestDayRotationPurgesOtherDays(t *testing.T) {
	fx := newFixture(t)
	now := time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)
	fx.poller.now = func() time.Time { return now }

	fx.poller.RunCycle()
	assert.Equal(t, "2026-08-31", fx.poller.ActiveDay())

	now = time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC)
	fx.poller.RunCycle()
	assert.Equal(t, "2026-09-01", fx.poller.ActiveDay())

	assert.Equal(t, []string{"2026-08-31", "2026-09-01"}, fx.store.dayDeletes)
}

func TestRuntimeReloadAppliesOnlyOnMarkerChange(t *testing.T) {
	fx := newFixture(t)
	fx.store.runtime["bot_limit"] = 50

	fx.poller.RunCycle()
	require.Len(t, fx.fetcher.calls, 1)
	assert.Equal(t, 50, fx.fetcher.calls[0].limit)
	assert.Equal(t, 1, fx.broker.reloads)
	assert.Equal(t, 1, fx.dispatcher.resets)

	// Same marker: the stored change is ignored.
	fx.store.runtime["bot_limit"] = 75
	fx.poller.RunCycle()
	require.Len(t, fx.fetcher.calls, 2)
	assert.Equal(t, 50, fx.fetcher.calls[1].limit)
	assert.Equal(t, 1, fx.broker.reloads)

	// Bumped marker: the change takes effect.
	fx.store.runtime["messages_update_requested_at"] = "marker-2"
	fx.poller.RunCycle()
	require.Len(t, fx.fetcher.calls, 3)
	assert.Equal(t, 75, fx.fetcher.calls[2].limit)
	assert.Equal(t, 2, fx.broker.reloads)
	assert.Equal(t, 2, fx.dispatcher.resets)
}

func TestRuntimeReloadUpdatesEndpoint(t *testing.T) {
	fx := newFixture(t)
	fx.store.runtime["api_base_url"] = "https://other.example.com/"
	fx.store.runtime["api_key"] = "key-2"

	fx.poller.RunCycle()

	assert.Equal(t, "https://other.example.com", fx.endpoint.baseURL)
	assert.Equal(t, "key-2", fx.endpoint.apiKey)
}

func TestCollectSourcesIncludesSessionTokenAndSkipsFailedLogins(t *testing.T) {
	fx := newFixture(t)
	fx.store.runtime["api_session_token"] = "static-tok"
	fx.store.accounts = append(fx.store.accounts, models.Account{Name: "acc2", Email: "two@example.com", Password: "pw", Enabled: true})
	fx.broker.errs = map[string]error{"acc2": errors.New("login failed")}

	fx.poller.RunCycle()

	require.Len(t, fx.fetcher.calls, 1)
	sources := fx.fetcher.calls[0].sources
	require.Len(t, sources, 2)
	assert.Equal(t, "api_token", sources[0].Name)
	assert.Equal(t, "static-tok", sources[0].Token)
	assert.Nil(t, sources[0].Account)
	assert.Equal(t, "acc1", sources[1].Name)
	require.NotNil(t, sources[1].Account)
}

func TestRunOnceExecutesOneCycleWithoutScheduling(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.messages = []models.Message{
		{Number: "+201111111", ServiceName: "WhatsApp", Body: "code 123-456"},
	}

	fx.poller.RunOnce()

	assert.Len(t, fx.fetcher.calls, 1)
	assert.Len(t, fx.dispatcher.dispatched, 1)

	// No cron entry exists, so nothing can fire a second cycle behind the
	// manual one.
	assert.Empty(t, fx.poller.cron.Entries())
	assert.False(t, fx.poller.IsRunning())
}

func TestStartAndStop(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.poller.Start())
	assert.True(t, fx.poller.IsRunning())
	assert.False(t, fx.poller.NextRun().IsZero())

	// Starting twice is rejected.
	assert.Error(t, fx.poller.Start())

	require.NoError(t, fx.poller.Stop())
	assert.False(t, fx.poller.IsRunning())
	assert.True(t, fx.poller.NextRun().IsZero())
	fx.poller.Wait()

	// Stop is idempotent.
	require.NoError(t, fx.poller.Stop())
}

func TestRunCycleAfterStopIsANoOp(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.poller.Start())
	require.NoError(t, fx.poller.Stop())

	fx.poller.RunCycle()
	assert.Empty(t, fx.fetcher.calls)
}
