package ratelimit

import (
	"testing"
	"time"
)

func TestRecordAllowsUpToMax(t *testing.T) {
	l := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		res := l.Record("1.2.3.4")
		if !res.Allowed {
			t.Fatalf("attempt %d: got Allowed=false, want true", i)
		}
	}
	res := l.Record("1.2.3.4")
	if res.Allowed {
		t.Error("4th attempt within window: got Allowed=true, want false")
	}
}

func TestCheckDoesNotConsumeAnAttempt(t *testing.T) {
	l := New(1, time.Minute)
	if res := l.Check("1.2.3.4"); !res.Allowed {
		t.Fatalf("Check before any Record: got Allowed=false")
	}
	if res := l.Check("1.2.3.4"); !res.Allowed {
		t.Error("repeated Check: got Allowed=false, want true (Check must not consume)")
	}
}

func TestWindowRollsOver(t *testing.T) {
	l := New(1, 10*time.Millisecond)
	l.Record("1.2.3.4")
	if res := l.Record("1.2.3.4"); res.Allowed {
		t.Fatal("second attempt within window: got Allowed=true, want false")
	}
	time.Sleep(20 * time.Millisecond)
	if res := l.Record("1.2.3.4"); !res.Allowed {
		t.Error("attempt after window elapsed: got Allowed=false, want true")
	}
}

func TestResetClearsCounter(t *testing.T) {
	l := New(1, time.Minute)
	l.Record("1.2.3.4")
	l.Reset("1.2.3.4")
	if res := l.Record("1.2.3.4"); !res.Allowed {
		t.Error("attempt after Reset: got Allowed=false, want true")
	}
}

func TestBucketsAreIndependentPerKey(t *testing.T) {
	l := New(1, time.Minute)
	l.Record("1.2.3.4")
	if res := l.Record("5.6.7.8"); !res.Allowed {
		t.Error("different key: got Allowed=false, want true")
	}
}
