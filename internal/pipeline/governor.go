package pipeline

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Denial reasons reported by Governor.Acquire.
const (
	DenyDailyBudget = "daily_budget"
	DenyMinInterval = "min_interval"
	DenyCooldown    = "cooldown"
	DenyInflight    = "inflight"
)

// CallOutcome is what the caller observed after a granted acquisition.
type CallOutcome string

const (
	// CallSuccess advances spacing and consumes one unit of budget.
	CallSuccess CallOutcome = "success"

	// CallFailure refunds the acquisition; provider errors don't burn
	// budget.
	CallFailure CallOutcome = "failure"

	// CallThrottled refunds the acquisition and opens the cooldown
	// window during which every Acquire is denied.
	CallThrottled CallOutcome = "throttled"
)

// Grant is the result of Governor.Acquire.
type Grant struct {
	Granted bool

	// Reason is one of the Deny* constants when not granted.
	Reason string

	// RetryAfter is how long the caller should wait before retrying a
	// transient denial. Zero for daily-budget exhaustion, which only a
	// day rollover clears.
	RetryAfter time.Duration

	// ResumeTomorrow marks daily-budget exhaustion: terminal for the
	// day, the caller must stop attempting extraction entirely.
	ResumeTomorrow bool
}

// GovernorConfig configures the rate/budget governor.
type GovernorConfig struct {
	// DailyBudget is the maximum number of successful extraction calls
	// per local calendar day.
	DailyBudget int

	// MinInterval is the minimum spacing between extraction calls.
	MinInterval time.Duration

	// ThrottleBackoff is the cooldown opened when the provider itself
	// reports rate limiting.
	ThrottleBackoff time.Duration

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Governor tracks elapsed time and daily call count for the expensive
// extraction tier. It is the single synchronization point for Tier 3:
// one instance is shared across the whole batch, and the Acquire /
// RecordCall pair is atomic — a Grant blocks further Grants until the
// matching RecordCall lands, even under concurrent callers.
//
// Day boundaries and the throttle cooldown are wall-clock based. Only
// successful calls advance spacing and consume budget; failed or
// throttled calls refund their reservation.
type Governor struct {
	mu sync.Mutex

	limiter     *rate.Limiter
	reservation *rate.Reservation // held between Acquire and RecordCall
	inflight    bool

	dailyBudget   int
	callsToday    int
	day           string // local date the counter belongs to
	lastCallAt    time.Time
	cooldownUntil time.Time

	backoff     time.Duration
	minInterval time.Duration
	now         func() time.Time
}

// NewGovernor builds a governor from config.
func NewGovernor(cfg GovernorConfig) *Governor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	g := &Governor{
		limiter:     rate.NewLimiter(limit, 1),
		dailyBudget: cfg.DailyBudget,
		backoff:     cfg.ThrottleBackoff,
		minInterval: cfg.MinInterval,
		now:         now,
	}
	g.day = localDay(now())
	return g
}

// Seed initializes today's call count from durable usage records, so a
// restart mid-day does not reset the budget.
func (g *Governor) Seed(callsToday int, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.day = localDay(at)
	g.callsToday = callsToday
}

// Acquire requests permission for one extraction call. On a Grant the
// caller is obligated to call RecordCall exactly once with the outcome.
func (g *Governor) Acquire() Grant {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollover(now)

	if g.inflight {
		return Grant{Reason: DenyInflight, RetryAfter: g.minInterval}
	}

	if until := g.cooldownUntil.Sub(now); until > 0 {
		return Grant{Reason: DenyCooldown, RetryAfter: until}
	}

	if g.callsToday >= g.dailyBudget {
		return Grant{Reason: DenyDailyBudget, ResumeTomorrow: true}
	}

	r := g.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return Grant{Reason: DenyMinInterval, RetryAfter: d}
	}

	g.reservation = r
	g.inflight = true
	return Grant{Granted: true}
}

// RecordCall reports the outcome of a granted acquisition and releases
// the inflight guard. Must be called exactly once per Grant.
func (g *Governor) RecordCall(outcome CallOutcome, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover(at)
	g.inflight = false

	switch outcome {
	case CallSuccess:
		g.callsToday++
		g.lastCallAt = at
	case CallThrottled:
		g.cooldownUntil = at.Add(g.backoff)
		if g.reservation != nil {
			g.reservation.CancelAt(at)
		}
	default:
		if g.reservation != nil {
			g.reservation.CancelAt(at)
		}
	}
	g.reservation = nil
}

// CooldownRemaining reports how much of the provider-throttle cooldown
// is left, zero if no cooldown is open.
func (g *Governor) CooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := g.cooldownUntil.Sub(g.now()); d > 0 {
		return d
	}
	return 0
}

// RemainingToday returns how many budget units are left for the
// current local day.
func (g *Governor) RemainingToday() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(g.now())
	if r := g.dailyBudget - g.callsToday; r > 0 {
		return r
	}
	return 0
}

// rollover resets the daily counter when the local day has changed.
// Callers must hold g.mu.
func (g *Governor) rollover(now time.Time) {
	if d := localDay(now); d != g.day {
		g.day = d
		g.callsToday = 0
	}
}

func localDay(t time.Time) string {
	return t.Local().Format("2006-01-02")
}
