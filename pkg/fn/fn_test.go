package fn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResult_OkErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("expected ok result")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatalf("unwrap: got %d, %v", v, err)
	}

	e := Err[int](errors.New("boom"))
	if e.IsOk() {
		t.Fatal("expected error result")
	}
	if got := e.UnwrapOr(7); got != 7 {
		t.Errorf("UnwrapOr: got %d", got)
	}
}

func TestFromPair(t *testing.T) {
	if r := FromPair(1, nil); r.IsErr() {
		t.Error("expected ok")
	}
	if r := FromPair(0, errors.New("x")); r.IsOk() {
		t.Error("expected err")
	}
}

func TestCollect_FirstError(t *testing.T) {
	want := errors.New("second")
	rs := []Result[int]{Ok(1), Err[int](want), Err[int](errors.New("third"))}
	r := Collect(rs)
	_, err := r.Unwrap()
	if err != want {
		t.Errorf("expected first error, got %v", err)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	// Fails twice, succeeds on the third attempt. Cumulative delay before
	// the final attempt must be at least initial + 2*initial.
	initial := 10 * time.Millisecond
	opts := RetryOpts{MaxAttempts: 3, InitialWait: initial}

	calls := 0
	start := time.Now()
	result := Retry(context.Background(), opts, func(context.Context) Result[string] {
		calls++
		if calls < 3 {
			return Errf[string]("transient %d", calls)
		}
		return Ok("done")
	})

	if result.IsErr() {
		_, err := result.Unwrap()
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed < 3*initial {
		t.Errorf("expected backoff of at least %v, elapsed %v", 3*initial, elapsed)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	want := errors.New("still broken")
	calls := 0
	result := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond},
		func(context.Context) Result[int] {
			calls++
			return Err[int](want)
		})

	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	_, err := result.Unwrap()
	if err != want {
		t.Errorf("last error must propagate unchanged, got %v", err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Retry(ctx, RetryOpts{MaxAttempts: 3, InitialWait: time.Hour},
		func(context.Context) Result[int] {
			return Errf[int]("fail")
		})
	_, err := result.Unwrap()
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestThen_ShortCircuits(t *testing.T) {
	first := func(_ context.Context, n int) Result[int] { return Err[int](errors.New("first")) }
	secondCalled := false
	second := func(_ context.Context, n int) Result[int] {
		secondCalled = true
		return Ok(n)
	}
	r := Then(first, second)(context.Background(), 1)
	if r.IsOk() || secondCalled {
		t.Error("second stage must not run after first fails")
	}
}

func TestChunk(t *testing.T) {
	chunks := Chunk([]int{1, 2, 3, 4, 5, 6, 7}, 3)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[2]) != 1 || chunks[2][0] != 7 {
		t.Errorf("last chunk wrong: %v", chunks[2])
	}
	if Chunk([]int{1}, 0) != nil {
		t.Error("n<=0 must return nil")
	}
}

func TestUnique(t *testing.T) {
	got := Unique([]string{"a", "b", "a", "c", "b"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("unexpected: %v", got)
	}
}

func TestParMapResult_PreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	results := ParMapResult(items, 2, func(n int) Result[int] {
		return Ok(n * 10)
	})
	for i, r := range results {
		v, err := r.Unwrap()
		if err != nil || v != items[i]*10 {
			t.Errorf("index %d: got %d, %v", i, v, err)
		}
	}
}

func TestParMapResult_IsolatesFailures(t *testing.T) {
	results := ParMapResult([]int{1, 2, 3}, 3, func(n int) Result[int] {
		if n == 2 {
			return Errf[int]("bad item")
		}
		return Ok(n)
	})
	if results[0].IsErr() || results[2].IsErr() {
		t.Error("sibling items must not be affected by one failure")
	}
	if results[1].IsOk() {
		t.Error("expected failure at index 1")
	}
}
