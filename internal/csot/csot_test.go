package csot

import (
	"context"
	"testing"
	"time"
)

func TestWithServerSelectionTimeoutNoParentDeadline(t *testing.T) {
	ctx, cancel := WithServerSelectionTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline to be set")
	}
	if d := time.Until(deadline); d <= 0 || d > 50*time.Millisecond {
		t.Fatalf("deadline out of expected range: %v", d)
	}
}

func TestWithServerSelectionTimeoutTakesMinimum(t *testing.T) {
	parent, cancelParent := context.WithTimeout(context.Background(), time.Hour)
	defer cancelParent()

	ctx, cancel := WithServerSelectionTimeout(parent, 10*time.Millisecond)
	defer cancel()

	deadline, _ := ctx.Deadline()
	if d := time.Until(deadline); d > 10*time.Millisecond {
		t.Fatalf("expected the shorter server selection timeout to win, got %v", d)
	}
}

func TestSkipMaxTimeContext(t *testing.T) {
	ctx := context.Background()
	if IsSkipMaxTimeContext(ctx) {
		t.Fatal("plain context should not be marked skip-max-time")
	}
	ctx = NewSkipMaxTimeContext(ctx)
	if !IsSkipMaxTimeContext(ctx) {
		t.Fatal("expected context to be marked skip-max-time")
	}
}
