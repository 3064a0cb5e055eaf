package memoryquality

import (
	"testing"
	"time"
)

func TestCreateSetsInitialStatus(t *testing.T) {
	m := Create("m1", "table", "meals/1", OriginUserTyped)
	if m.Status != StatusTrusted {
		t.Fatalf("user_typed (0.95) should start trusted, got %s", m.Status)
	}
	m2 := Create("m2", "entity", "e/1", OriginAIPattern)
	if m2.Status != StatusUnvetted {
		t.Fatalf("ai_pattern (0.30) should start unvetted, got %s", m2.Status)
	}
	if len(m2.PromoteHistory) != 1 {
		t.Fatalf("expected one create transition, got %d", len(m2.PromoteHistory))
	}
}

func TestAccessPromotesAndCaps(t *testing.T) {
	m := Create("m1", "entity", "e/1", OriginAIInferred) // 0.40 -> unvetted
	if m.Status != StatusUnvetted {
		t.Fatalf("0.40 should start unvetted, got %s", m.Status)
	}
	for i := 0; i < 10; i++ {
		m.Access()
	}
	if m.AccessCount != 10 {
		t.Fatalf("expected access_count=10, got %d", m.AccessCount)
	}
	// only the first 5 accesses add +0.02 each: 0.40 + 5*0.02 = 0.50
	want := 0.50
	if diff := m.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected confidence %.2f after cap, got %.4f", want, m.Confidence)
	}
}

func TestContradictCapsAtFloor(t *testing.T) {
	m := Create("m1", "entity", "e/1", OriginAIPattern) // 0.30
	m.Contradict("other", "name", false)
	if m.Confidence < 0.1-1e-9 {
		t.Fatalf("contradiction confidence must floor at 0.1, got %.4f", m.Confidence)
	}
	if len(m.Contradictions) != 1 {
		t.Fatalf("expected one contradiction recorded")
	}
}

func TestReviewIsSticky(t *testing.T) {
	m := Create("m1", "entity", "e/1", OriginUserTyped)
	m.Contradict("other", "name", true) // -> review
	if m.Status != StatusReview {
		t.Fatalf("expected review status, got %s", m.Status)
	}
	m.Access()
	if m.Status != StatusReview {
		t.Fatalf("review must be sticky against access events, got %s", m.Status)
	}
	m.Mention()
	if m.Status != StatusReview {
		t.Fatalf("review must be sticky against mention events, got %s", m.Status)
	}
}

func TestResolveReviewOutcomes(t *testing.T) {
	m := Create("m1", "entity", "e/1", OriginAIStated)
	m.Status = StatusReview
	m.ResolveReview(ResolveConfirm)
	if m.Status != StatusTrusted || m.Confidence != 0.95 {
		t.Fatalf("confirm should set trusted/0.95, got %s/%.2f", m.Status, m.Confidence)
	}
}

func TestDecaySweepSkipsUserStated(t *testing.T) {
	m := Create("m1", "profile", "profile.name", OriginUserStated)
	m.CreatedAt = time.Now().Add(-200 * 24 * time.Hour)
	changed := m.DecaySweep(90, 0.10)
	if changed {
		t.Fatalf("user_stated rows must never decay")
	}
}

func TestDecaySweepDemotesStale(t *testing.T) {
	m := Create("m1", "entity", "e/1", OriginAIInferred)
	m.CreatedAt = time.Now().Add(-200 * 24 * time.Hour)
	changed := m.DecaySweep(90, 0.35)
	if !changed {
		t.Fatalf("expected decay sweep to apply")
	}
	if m.Status != StatusDecayed {
		t.Fatalf("expected decayed status after large delta, got %s", m.Status)
	}
}

func TestShouldBothReview(t *testing.T) {
	a := &Meta{Confidence: 0.85}
	b := &Meta{Confidence: 0.70}
	if !ShouldBothReview(a, b) {
		t.Fatalf("both confident with gap <0.3 should go to review")
	}
	c := &Meta{Confidence: 0.85}
	d := &Meta{Confidence: 0.40}
	if ShouldBothReview(c, d) {
		t.Fatalf("one side unconfident should not trigger both-review")
	}
}

func TestContextBudgetScoreMonotonic(t *testing.T) {
	recent := ContextBudgetScore(1, 1, 0, 10, 10)
	old := ContextBudgetScore(1, 1, 60, 10, 10)
	if !(recent > old) {
		t.Fatalf("recent access should score higher than stale access: %.4f vs %.4f", recent, old)
	}
}
