package pipeline

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for governor tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testGovernor(budget int, interval, backoff time.Duration) (*Governor, *fakeClock) {
	clock := newFakeClock(time.Date(2026, 8, 29, 9, 0, 0, 0, time.Local))
	g := NewGovernor(GovernorConfig{
		DailyBudget:     budget,
		MinInterval:     interval,
		ThrottleBackoff: backoff,
		Now:             clock.Now,
	})
	return g, clock
}

func TestGovernor_GrantAndSpacing(t *testing.T) {
	t.Parallel()

	g, clock := testGovernor(10, 5*time.Second, time.Minute)

	grant := g.Acquire()
	if !grant.Granted {
		t.Fatalf("first acquire denied: %+v", grant)
	}
	g.RecordCall(CallSuccess, clock.Now())

	clock.Advance(time.Second)
	grant = g.Acquire()
	if grant.Granted {
		t.Fatal("second acquire within min interval should be denied")
	}
	if grant.Reason != DenyMinInterval {
		t.Errorf("reason = %q, want %q", grant.Reason, DenyMinInterval)
	}
	if grant.RetryAfter < 4*time.Second {
		t.Errorf("retry_after = %v, want >= remaining interval 4s", grant.RetryAfter)
	}

	clock.Advance(grant.RetryAfter)
	if grant = g.Acquire(); !grant.Granted {
		t.Fatalf("acquire after waiting retry_after denied: %+v", grant)
	}
	g.RecordCall(CallSuccess, clock.Now())
}

func TestGovernor_DailyBudgetExhaustion(t *testing.T) {
	t.Parallel()

	g, clock := testGovernor(2, time.Second, time.Minute)

	for i := 0; i < 2; i++ {
		grant := g.Acquire()
		if !grant.Granted {
			t.Fatalf("acquire %d denied: %+v", i, grant)
		}
		g.RecordCall(CallSuccess, clock.Now())
		clock.Advance(time.Minute)
	}

	// Budget is gone; elapsed time within the day does not help.
	clock.Advance(6 * time.Hour)
	grant := g.Acquire()
	if grant.Granted {
		t.Fatal("acquire over daily budget should be denied")
	}
	if grant.Reason != DenyDailyBudget {
		t.Errorf("reason = %q, want %q", grant.Reason, DenyDailyBudget)
	}
	if !grant.ResumeTomorrow {
		t.Error("expected resume-tomorrow marker")
	}
	if got := g.RemainingToday(); got != 0 {
		t.Errorf("RemainingToday = %d, want 0", got)
	}
}

func TestGovernor_DayRollover(t *testing.T) {
	t.Parallel()

	g, clock := testGovernor(1, time.Second, time.Minute)

	if grant := g.Acquire(); !grant.Granted {
		t.Fatalf("acquire denied: %+v", grant)
	}
	g.RecordCall(CallSuccess, clock.Now())

	if grant := g.Acquire(); grant.Granted {
		t.Fatal("budget of 1 should be exhausted")
	}

	clock.Advance(24 * time.Hour)
	if grant := g.Acquire(); !grant.Granted {
		t.Fatalf("acquire after day rollover denied: %+v", grant)
	}
	g.RecordCall(CallSuccess, clock.Now())

	if got := g.RemainingToday(); got != 0 {
		t.Errorf("RemainingToday = %d, want 0 after one call on the new day", got)
	}
}

func TestGovernor_FailedCallRefunds(t *testing.T) {
	t.Parallel()

	g, clock := testGovernor(1, 5*time.Second, time.Minute)

	if grant := g.Acquire(); !grant.Granted {
		t.Fatalf("acquire denied: %+v", grant)
	}
	g.RecordCall(CallFailure, clock.Now())

	// The failure consumed neither budget nor spacing.
	if got := g.RemainingToday(); got != 1 {
		t.Errorf("RemainingToday = %d, want 1 after failed call", got)
	}
	if grant := g.Acquire(); !grant.Granted {
		t.Fatalf("acquire after refunded failure denied: %+v", grant)
	}
	g.RecordCall(CallSuccess, clock.Now())
}

func TestGovernor_ThrottleCooldown(t *testing.T) {
	t.Parallel()

	g, clock := testGovernor(10, time.Second, time.Minute)

	if grant := g.Acquire(); !grant.Granted {
		t.Fatalf("acquire denied: %+v", grant)
	}
	g.RecordCall(CallThrottled, clock.Now())

	clock.Advance(10 * time.Second)
	grant := g.Acquire()
	if grant.Granted {
		t.Fatal("acquire during cooldown should be denied")
	}
	if grant.Reason != DenyCooldown {
		t.Errorf("reason = %q, want %q", grant.Reason, DenyCooldown)
	}
	if grant.RetryAfter <= 0 || grant.RetryAfter > 50*time.Second {
		t.Errorf("retry_after = %v, want remaining cooldown (~50s)", grant.RetryAfter)
	}

	// Throttled call did not consume budget.
	if got := g.RemainingToday(); got != 10 {
		t.Errorf("RemainingToday = %d, want 10", got)
	}

	clock.Advance(time.Minute)
	if grant := g.Acquire(); !grant.Granted {
		t.Fatalf("acquire after cooldown denied: %+v", grant)
	}
	g.RecordCall(CallSuccess, clock.Now())
}

func TestGovernor_InflightGuard(t *testing.T) {
	t.Parallel()

	g, clock := testGovernor(10, time.Second, time.Minute)

	if grant := g.Acquire(); !grant.Granted {
		t.Fatalf("acquire denied: %+v", grant)
	}

	// No second Grant until RecordCall lands, even with budget and
	// spacing available.
	grant := g.Acquire()
	if grant.Granted {
		t.Fatal("concurrent acquire before record_call should be denied")
	}
	if grant.Reason != DenyInflight {
		t.Errorf("reason = %q, want %q", grant.Reason, DenyInflight)
	}

	g.RecordCall(CallSuccess, clock.Now())
	clock.Advance(time.Second)
	if grant := g.Acquire(); !grant.Granted {
		t.Fatalf("acquire after record_call denied: %+v", grant)
	}
	g.RecordCall(CallSuccess, clock.Now())
}

func TestGovernor_Seed(t *testing.T) {
	t.Parallel()

	g, clock := testGovernor(5, time.Second, time.Minute)
	g.Seed(3, clock.Now())

	if got := g.RemainingToday(); got != 2 {
		t.Errorf("RemainingToday = %d, want 2 after seeding 3 of 5", got)
	}
}

func TestGovernor_CooldownRemaining(t *testing.T) {
	t.Parallel()

	g, clock := testGovernor(10, time.Second, time.Minute)
	if d := g.CooldownRemaining(); d != 0 {
		t.Errorf("CooldownRemaining = %v, want 0 with no cooldown", d)
	}

	if grant := g.Acquire(); !grant.Granted {
		t.Fatal("acquire denied")
	}
	g.RecordCall(CallThrottled, clock.Now())

	if d := g.CooldownRemaining(); d != time.Minute {
		t.Errorf("CooldownRemaining = %v, want 1m", d)
	}
}
