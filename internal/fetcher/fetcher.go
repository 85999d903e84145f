// Package fetcher queries all credentialed sources concurrently and merges
// their rows into one deduplicated candidate set keyed by message fingerprint.
package fetcher

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"sms-code-relay-go/internal/models"
)

// ErrAllSourcesFailed is returned when no source produced a result. Partial
// failures never surface as an error.
var ErrAllSourcesFailed = errors.New("all sources failed")

// MessageClient fetches candidate rows for one token.
type MessageClient interface {
	FetchMessages(ctx context.Context, token, startDate string, limit int) ([]models.Message, error)
}

// TokenRefresher re-logins an account whose token went stale mid-cycle.
type TokenRefresher interface {
	Refresh(ctx context.Context, account models.Account) (string, error)
}

// Source is one fetch job: either a credentialed account or a static session
// token (Account nil).
type Source struct {
	Name    string
	Token   string
	Account *models.Account
}

// Aggregator fans fetch calls out over a bounded worker pool
type Aggregator struct {
	client     MessageClient
	broker     TokenRefresher
	maxWorkers int
}

// New creates an aggregator. maxWorkers caps pool width; the pool never grows
// beyond the number of sources.
func New(client MessageClient, broker TokenRefresher, maxWorkers int) *Aggregator {
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	return &Aggregator{client: client, broker: broker, maxWorkers: maxWorkers}
}

type sourceResult struct {
	rows []models.Message
	ok   bool
}

// FetchAll queries every source concurrently and returns the merged,
// key-deduplicated rows. limit caps rows requested per call, not the merged
// result; limit <= 0 means unlimited.
func (a *Aggregator) FetchAll(ctx context.Context, sources []Source, startDate string, limit int) ([]models.Message, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	width := a.maxWorkers
	if len(sources) < width {
		width = len(sources)
	}

	results := make([]sourceResult, len(sources))
	sem := make(chan struct{}, width)
	var wg sync.WaitGroup

	for i := range sources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = a.fetchOne(ctx, sources[i], startDate, limit)
		}(i)
	}
	wg.Wait()

	merged := make([]models.Message, 0)
	index := map[string]int{}
	succeeded := 0
	for _, res := range results {
		if !res.ok {
			continue
		}
		succeeded++
		for _, msg := range res.rows {
			key := msg.Key()
			if pos, ok := index[key]; ok {
				// Identical content from two sources is the same logical event.
				merged[pos] = msg
				continue
			}
			index[key] = len(merged)
			merged = append(merged, msg)
		}
	}

	if succeeded == 0 {
		return nil, ErrAllSourcesFailed
	}
	return merged, nil
}

// fetchOne performs the fetch for a single source, retrying exactly once with
// a fresh login when the source is account-backed.
func (a *Aggregator) fetchOne(ctx context.Context, src Source, startDate string, limit int) sourceResult {
	rows, err := a.client.FetchMessages(ctx, src.Token, startDate, limit)
	if err == nil {
		return sourceResult{rows: rows, ok: true}
	}

	if src.Account == nil {
		logrus.Warnf("api token fetch failed | error=%v", err)
		return sourceResult{}
	}

	token, loginErr := a.broker.Refresh(ctx, *src.Account)
	if loginErr != nil {
		logrus.Warnf("account fetch failed | account=%s | fetch_error=%v | login_error=%v", src.Name, err, loginErr)
		return sourceResult{}
	}

	rows, retryErr := a.client.FetchMessages(ctx, token, startDate, limit)
	if retryErr != nil {
		logrus.Warnf("account fetch retry failed | account=%s | error=%v", src.Name, retryErr)
		return sourceResult{}
	}
	return sourceResult{rows: rows, ok: true}
}
