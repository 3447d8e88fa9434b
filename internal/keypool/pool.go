package keypool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoCredentials indicates that no credential is currently eligible.
var ErrNoCredentials = errors.New("keypool: no usable credential")

type record struct {
	secret        string
	failures      int
	cooldownUntil time.Time
	lastUsedAt    time.Time
}

// Stats is a point-in-time view of pool health.
type Stats struct {
	Total      int
	Available  int
	InCooldown int
}

// Options configures pool behaviour. Clock is injectable so tests can
// advance time deterministically.
type Options struct {
	Cooldown         time.Duration
	FailureThreshold int
	Clock            func() time.Time
	OnChange         func(Stats)
}

// Pool owns the in-memory credential records, cooldown state, and the
// rotation cursor. All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	store   *Store
	records map[string]*record
	order   []string
	cursor  int

	cooldown  time.Duration
	threshold int
	now       func() time.Time
	onChange  func(Stats)
}

// NewPool creates an empty pool backed by the given store. Call Load before
// serving traffic.
func NewPool(store *Store, opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 24 * time.Hour
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	return &Pool{
		store:     store,
		records:   make(map[string]*record),
		cooldown:  opts.Cooldown,
		threshold: opts.FailureThreshold,
		now:       opts.Clock,
		onChange:  opts.OnChange,
	}
}

// Load reads the credential file and replaces the record set. Failure/
// cooldown state is preserved for secrets still present in the new file so
// a routine reload cannot end a cooldown early. A read failure leaves the
// previous record set intact.
func (p *Pool) Load() error {
	secrets, err := p.store.Load()
	if err != nil {
		slog.Warn("credential reload failed, keeping previous pool", "err", err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*record, len(secrets))
	order := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		if _, dup := next[secret]; dup {
			continue
		}
		if old, ok := p.records[secret]; ok {
			next[secret] = old
		} else {
			next[secret] = &record{secret: secret}
		}
		order = append(order, secret)
	}

	p.records = next
	p.order = order
	if len(order) == 0 {
		p.cursor = 0
	} else {
		p.cursor %= len(order)
	}

	slog.Info("credential pool loaded", "file", p.store.Path(), "total", len(order))
	p.notifyLocked()
	return nil
}

// Acquire selects the next eligible credential using round-robin over the
// records whose cooldown is absent or elapsed. Returns ErrNoCredentials
// when nothing is eligible.
func (p *Pool) Acquire() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.order)
	if n == 0 {
		return "", ErrNoCredentials
	}

	now := p.now()
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		rec := p.records[p.order[idx]]
		if rec.cooldownUntil.After(now) {
			continue
		}
		p.cursor = (idx + 1) % n
		return rec.secret, nil
	}

	return "", ErrNoCredentials
}

// ReportSuccess resets the failure counter and stamps last use. No-op when
// the secret is unknown.
func (p *Pool) ReportSuccess(secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[secret]
	if !ok {
		return
	}
	rec.failures = 0
	rec.lastUsedAt = p.now()
}

// ReportFailure increments the failure counter; at the threshold the
// credential enters cooldown and the counter resets. No-op when the secret
// is unknown.
func (p *Pool) ReportFailure(secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[secret]
	if !ok {
		return
	}
	rec.failures++
	if rec.failures < p.threshold {
		return
	}
	rec.failures = 0
	rec.cooldownUntil = p.now().Add(p.cooldown)
	slog.Warn("credential entered cooldown",
		"secret", maskSecret(secret),
		"until", rec.cooldownUntil.Format(time.RFC3339),
	)
	p.notifyLocked()
}

// Stats returns point-in-time pool counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	now := p.now()
	s := Stats{Total: len(p.order)}
	for _, secret := range p.order {
		if p.records[secret].cooldownUntil.After(now) {
			s.InCooldown++
		}
	}
	s.Available = s.Total - s.InCooldown
	return s
}

func (p *Pool) notifyLocked() {
	if p.onChange != nil {
		p.onChange(p.statsLocked())
	}
}

// Run reloads the pool on the given interval and whenever the trigger
// channel fires, until the context is cancelled. The trigger channel may be
// nil.
func (p *Pool) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Load()
		case _, ok := <-trigger:
			if !ok {
				trigger = nil
				continue
			}
			_ = p.Load()
		}
	}
}

func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:8] + "****"
}
