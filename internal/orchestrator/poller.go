package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stellarlinkco/pulsefeed/internal/adapter"
	"github.com/stellarlinkco/pulsefeed/internal/config"
	"github.com/stellarlinkco/pulsefeed/internal/delivery"
	"github.com/stellarlinkco/pulsefeed/internal/feed"
	"github.com/stellarlinkco/pulsefeed/internal/store"
)

const pollMaxTries = 4

// Poller pulls messages for accounts on platforms that cannot push.
// Each cycle advances the account's sync cursor only after every fetched
// payload has been handed to the pipeline, so a crash re-fetches instead
// of losing messages.
type Poller struct {
	feed     *store.Feed
	adapters *adapter.Registry
	orch     *Orchestrator
	pub      delivery.Publisher
	accounts []config.AccountConfig
	every    time.Duration

	mu      sync.Mutex
	revoked map[string]bool // userID+platform keys with dead credentials

	nowFn func() time.Time
}

func NewPoller(f *store.Feed, adapters *adapter.Registry, orch *Orchestrator, pub delivery.Publisher, accounts []config.AccountConfig, every time.Duration) *Poller {
	if pub == nil {
		pub = delivery.Discard{}
	}
	if every <= 0 {
		every = time.Minute
	}
	return &Poller{
		feed:     f,
		adapters: adapters,
		orch:     orch,
		pub:      pub,
		accounts: accounts,
		every:    every,
		revoked:  make(map[string]bool),
		nowFn:    time.Now,
	}
}

func revokedKey(userID, platform string) string {
	return userID + "\x00" + platform
}

func (p *Poller) markRevoked(userID, platform string) {
	p.mu.Lock()
	p.revoked[revokedKey(userID, platform)] = true
	p.mu.Unlock()
}

func (p *Poller) isRevoked(userID, platform string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revoked[revokedKey(userID, platform)]
}

// Reconnect clears a revocation after the user supplies fresh
// credentials, so the next cycle polls the account again.
func (p *Poller) Reconnect(userID, platform string) {
	p.mu.Lock()
	delete(p.revoked, revokedKey(userID, platform))
	p.mu.Unlock()
}

// Run polls until ctx is cancelled. One immediate pass, then on the ticker.
func (p *Poller) Run(ctx context.Context) {
	p.PollAll(ctx)

	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

func (p *Poller) PollAll(ctx context.Context) {
	for _, acct := range p.accounts {
		if acct.Disabled || p.isRevoked(acct.UserID, acct.Platform) {
			continue
		}
		if err := p.PollAccount(ctx, acct); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[poller] %s/%s: %v", acct.UserID, acct.Platform, err)
		}
	}
}

// PollAccount runs one fetch cycle for one account, with transient errors
// retried under exponential backoff. Revoked credentials abort immediately
// and surface as a disconnected sync state.
func (p *Poller) PollAccount(ctx context.Context, acct config.AccountConfig) error {
	ad, err := p.adapters.Lookup(acct.Platform)
	if err != nil {
		return err
	}

	p.pub.Publish(acct.UserID, delivery.SyncStatusEvent(acct.Platform, delivery.SyncStateSyncing, ""))

	cursor, err := p.feed.GetCursor(ctx, acct.UserID, acct.Platform)
	if err != nil {
		p.pub.Publish(acct.UserID, delivery.SyncStatusEvent(acct.Platform, delivery.SyncStateError, err.Error()))
		return err
	}

	creds := adapter.Credentials{AccessToken: acct.AccessToken, RefreshToken: acct.RefreshToken}
	fetch := func() (adapter.FetchResult, error) {
		res, err := ad.FetchSince(ctx, acct.UserID, cursor, creds)
		if err != nil {
			if errors.Is(err, adapter.ErrAuthRevoked) {
				return adapter.FetchResult{}, backoff.Permanent(err)
			}
			return adapter.FetchResult{}, err
		}
		return res, nil
	}

	res, err := backoff.Retry(ctx, fetch,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(pollMaxTries))
	if err != nil {
		state := delivery.SyncStateError
		if errors.Is(err, adapter.ErrAuthRevoked) {
			// Dead credentials stay dead; stop polling the account
			// until the user reconnects.
			state = delivery.SyncStateDisconnected
			p.markRevoked(acct.UserID, acct.Platform)
		}
		p.pub.Publish(acct.UserID, delivery.SyncStatusEvent(acct.Platform, state, err.Error()))
		return fmt.Errorf("fetch %s: %w", acct.Platform, err)
	}

	for _, raw := range res.Messages {
		if err := p.orch.Enqueue(Job{Raw: raw}); err != nil {
			// Leave the cursor where it was; the next cycle re-fetches
			// what the queue could not take.
			p.pub.Publish(acct.UserID, delivery.SyncStatusEvent(acct.Platform, delivery.SyncStateError, err.Error()))
			return fmt.Errorf("enqueue fetched message: %w", err)
		}
	}

	if res.NextCursor != "" && res.NextCursor != cursor.Cursor {
		err := p.feed.SetCursor(ctx, feed.SyncCursor{
			UserID:    acct.UserID,
			Platform:  acct.Platform,
			Cursor:    res.NextCursor,
			UpdatedAt: p.nowFn().UTC(),
		})
		if err != nil {
			p.pub.Publish(acct.UserID, delivery.SyncStatusEvent(acct.Platform, delivery.SyncStateError, err.Error()))
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	p.pub.Publish(acct.UserID, delivery.SyncStatusEvent(acct.Platform, delivery.SyncStateIdle, ""))
	return nil
}
