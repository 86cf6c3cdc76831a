package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/forager/internal/mail"
)

// mockClassifier returns a fixed classification or error.
type mockClassifier struct {
	result *Classification
	err    error
	calls  int
}

func (m *mockClassifier) Classify(_ context.Context, _, _, _ string) (*Classification, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func testMessage() *mail.Message {
	return &mail.Message{
		ID:      "msg-1",
		Subject: "Free Pizza Lunch Today",
		Body:    "Join us at noon.",
		Sender:  "events@example.edu",
	}
}

func TestSemantic_Pass(t *testing.T) {
	t.Parallel()

	f := NewSemanticFilter(&mockClassifier{result: &Classification{Provided: true, Confidence: 0.9}}, 0.5, log.Nop())
	v := f.Evaluate(context.Background(), testMessage())
	if v.Rejected || v.Bypassed {
		t.Errorf("verdict = %+v, want pass", v)
	}
}

func TestSemantic_RejectNotProvided(t *testing.T) {
	t.Parallel()

	// "lunch is BYO" mentions food without providing it.
	f := NewSemanticFilter(&mockClassifier{result: &Classification{Provided: false, Confidence: 0.9}}, 0.5, log.Nop())
	v := f.Evaluate(context.Background(), testMessage())
	if !v.Rejected {
		t.Fatal("expected rejection")
	}
	if v.Reason != ReasonNotProvided {
		t.Errorf("reason = %q, want %q", v.Reason, ReasonNotProvided)
	}
}

func TestSemantic_RejectBelowThreshold(t *testing.T) {
	t.Parallel()

	f := NewSemanticFilter(&mockClassifier{result: &Classification{Provided: true, Confidence: 0.3}}, 0.5, log.Nop())
	v := f.Evaluate(context.Background(), testMessage())
	if !v.Rejected {
		t.Fatal("expected rejection")
	}
	if v.Reason != ReasonBelowThreshold {
		t.Errorf("reason = %q, want %q", v.Reason, ReasonBelowThreshold)
	}
}

func TestSemantic_BypassOnError(t *testing.T) {
	t.Parallel()

	f := NewSemanticFilter(&mockClassifier{err: errors.New("connection refused")}, 0.5, log.Nop())
	v := f.Evaluate(context.Background(), testMessage())
	if v.Rejected {
		t.Fatal("classifier failure must bypass, not reject")
	}
	if !v.Bypassed {
		t.Error("expected bypass verdict")
	}
}

func TestSemantic_BypassWithoutClassifier(t *testing.T) {
	t.Parallel()

	f := NewSemanticFilter(nil, 0.5, log.Nop())
	v := f.Evaluate(context.Background(), testMessage())
	if v.Rejected || !v.Bypassed {
		t.Errorf("verdict = %+v, want bypass", v)
	}
}
