package pipeline

import "testing"

func testHeuristic() *HeuristicFilter {
	return NewHeuristicFilter(HeuristicConfig{SpamStrict: 1, SpamLenient: 3})
}

func TestHeuristic_Deterministic(t *testing.T) {
	t.Parallel()

	f := testHeuristic()
	subject := "Free Pizza Lunch Today"
	body := "Unsubscribe here. Join us at noon."

	first := f.Evaluate(subject, body)
	for i := 0; i < 10; i++ {
		if got := f.Evaluate(subject, body); got != first {
			t.Fatalf("call %d: verdict = %+v, want %+v", i, got, first)
		}
	}
}

func TestHeuristic_SubjectFoodBypassesSpam(t *testing.T) {
	t.Parallel()

	f := testHeuristic()

	// Spam terms in the body alone must not kill an announcement whose
	// subject names the food.
	v := f.Evaluate(
		"Free Pizza Lunch Today",
		"Unsubscribe here. Opt out. Click here. Buy now. Limited time. Join us at noon.",
	)
	if v.Rejected {
		t.Errorf("rejected with reason %q, want pass", v.Reason)
	}
}

func TestHeuristic_NoFoodKeywords(t *testing.T) {
	t.Parallel()

	f := testHeuristic()

	cases := []struct {
		name    string
		subject string
		body    string
	}{
		{"plain", "Quarterly report", "The numbers are attached."},
		{"spammy", "Act now", "Unsubscribe. Special offer. Click here. Buy now."},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := f.Evaluate(tc.subject, tc.body)
			if !v.Rejected {
				t.Fatal("expected rejection")
			}
			if v.Reason != ReasonNoFoodKeywords {
				t.Errorf("reason = %q, want %q", v.Reason, ReasonNoFoodKeywords)
			}
		})
	}
}

func TestHeuristic_BodyFoodUsesLenientThreshold(t *testing.T) {
	t.Parallel()

	f := testHeuristic()

	// Three spam terms: at the lenient threshold, not over it.
	v := f.Evaluate(
		"Department update",
		"Pizza provided at the all-hands. Unsubscribe. Opt out. Click here.",
	)
	if v.Rejected {
		t.Errorf("rejected with reason %q, want pass at lenient threshold", v.Reason)
	}

	// A fourth spam term pushes it over.
	v = f.Evaluate(
		"Department update",
		"Pizza provided at the all-hands. Unsubscribe. Opt out. Click here. Buy now.",
	)
	if !v.Rejected {
		t.Fatal("expected spam rejection over lenient threshold")
	}
	if v.Reason != ReasonSpam {
		t.Errorf("reason = %q, want %q", v.Reason, ReasonSpam)
	}
}

func TestHeuristic_ThresholdSelection(t *testing.T) {
	t.Parallel()

	f := testHeuristic()
	if got := f.thresholdFor(true); got != 3 {
		t.Errorf("thresholdFor(true) = %d, want 3", got)
	}
	if got := f.thresholdFor(false); got != 1 {
		t.Errorf("thresholdFor(false) = %d, want 1", got)
	}
}

func TestHeuristic_StrictThresholdNeverDecides(t *testing.T) {
	t.Parallel()

	// No-food messages reject before spam scoring, so the strict value
	// cannot change any verdict.
	loose := NewHeuristicFilter(HeuristicConfig{SpamStrict: 100, SpamLenient: 3})
	tight := NewHeuristicFilter(HeuristicConfig{SpamStrict: 0, SpamLenient: 3})

	cases := []struct {
		name    string
		subject string
		body    string
	}{
		{"no food, spammy", "Act now", "Unsubscribe. Special offer. Click here. Buy now."},
		{"no food, clean", "Quarterly report", "The numbers are attached."},
		{"body food, spammy", "Update", "Pizza provided. Unsubscribe. Opt out. Click here. Buy now."},
		{"subject food", "Free pizza today", "Unsubscribe."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := loose.Evaluate(tc.subject, tc.body)
			b := tight.Evaluate(tc.subject, tc.body)
			if a != b {
				t.Errorf("verdicts diverge on strict threshold: %+v vs %+v", a, b)
			}
		})
	}
}

func TestHeuristic_CaseInsensitive(t *testing.T) {
	t.Parallel()

	f := testHeuristic()
	v := f.Evaluate("FREE PIZZA", "JOIN US AT NOON")
	if v.Rejected {
		t.Errorf("rejected with reason %q, want pass", v.Reason)
	}
}

func TestHeuristic_DefaultTerms(t *testing.T) {
	t.Parallel()

	f := NewHeuristicFilter(HeuristicConfig{SpamStrict: 1, SpamLenient: 3})
	v := f.Evaluate("Bagels and coffee tomorrow", "Stop by the kitchen.")
	if v.Rejected {
		t.Errorf("default food terms should match bagels/coffee, got rejection %q", v.Reason)
	}
}
