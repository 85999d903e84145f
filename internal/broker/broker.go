// Package broker mints and caches upstream bearer tokens per account. Tokens
// live for a configured TTL and are refreshed once less than the skew
// remains. The cache is persisted after every successful refresh so a restart
// does not force a re-login for every account.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sms-code-relay-go/internal/models"
)

// Authenticator performs the upstream login call.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
}

// TokenStore persists the token cache across restarts.
type TokenStore interface {
	LoadTokenCache() (map[string]models.Token, error)
	SaveTokenCache(map[string]models.Token) error
}

// Broker is the credential broker. Refresh is called from concurrent fetch
// workers, so mu guards every access to tokens.
type Broker struct {
	auth  Authenticator
	store TokenStore
	ttl   time.Duration
	skew  time.Duration

	mu     sync.Mutex
	tokens map[string]models.Token

	now func() time.Time
}

// New creates a broker, preloading any persisted tokens.
func New(auth Authenticator, store TokenStore, ttl, skew time.Duration) *Broker {
	b := &Broker{
		auth:   auth,
		store:  store,
		ttl:    ttl,
		skew:   skew,
		tokens: map[string]models.Token{},
		now:    time.Now,
	}
	b.Reload()
	return b
}

// Reload replaces the in-memory cache with the persisted one. Called at
// startup and after runtime config changes.
func (b *Broker) Reload() {
	cached, err := b.store.LoadTokenCache()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		logrus.Warnf("Failed to load token cache: %v", err)
		b.tokens = map[string]models.Token{}
		return
	}
	b.tokens = cached
}

// Token returns a live token for the account, logging in when the cached one
// is missing or expiring soon.
func (b *Broker) Token(ctx context.Context, account models.Account) (string, error) {
	b.mu.Lock()
	tok, ok := b.tokens[account.Name]
	b.mu.Unlock()
	if ok && tok.Valid(b.now(), b.skew) {
		return tok.Value, nil
	}
	return b.Refresh(ctx, account)
}

// Refresh forces a fresh login for the account and persists the new token
// before returning it.
func (b *Broker) Refresh(ctx context.Context, account models.Account) (string, error) {
	value, err := b.auth.Login(ctx, account.Email, account.Password)
	if err != nil {
		return "", err
	}

	now := b.now()
	b.mu.Lock()
	b.tokens[account.Name] = models.Token{
		Value:      value,
		ObtainedAt: now,
		ExpiresAt:  now.Add(b.ttl),
	}
	// Persist from a snapshot so a concurrent Refresh cannot mutate the map
	// while it is being serialized.
	snapshot := make(map[string]models.Token, len(b.tokens))
	for name, tok := range b.tokens {
		snapshot[name] = tok
	}
	b.mu.Unlock()

	if err := b.store.SaveTokenCache(snapshot); err != nil {
		// The token is still usable this cycle; only restart durability is lost.
		logrus.Warnf("Failed to persist token cache for %s: %v", account.Name, err)
	}
	return value, nil
}

// Invalidate drops the cached token for the account, forcing a login on the
// next request.
func (b *Broker) Invalidate(account models.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, account.Name)
}
