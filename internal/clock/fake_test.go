package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	if got, want := clock.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfter(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(3 * time.Second)

	clock.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before deadline")
	default:
	}

	clock.Advance(time.Second)
	select {
	case got := <-channel:
		if want := epoch.Add(3 * time.Second); !got.Equal(want) {
			t.Fatalf("After delivered %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire at deadline")
	}
}

func TestFakeClockAfterZeroDuration(t *testing.T) {
	clock := Fake(epoch)
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeClockAfterFuncObservesDeadline(t *testing.T) {
	clock := Fake(epoch)
	var observed time.Time
	clock.AfterFunc(2*time.Second, func() { observed = clock.Now() })

	clock.Advance(time.Minute)
	if want := epoch.Add(2 * time.Second); !observed.Equal(want) {
		t.Fatalf("callback observed %v, want %v", observed, want)
	}
	if got, want := clock.Now(), epoch.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfterFuncStop(t *testing.T) {
	clock := Fake(epoch)
	called := false
	timer := clock.AfterFunc(time.Second, func() { called = true })

	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	clock.Advance(time.Minute)
	if called {
		t.Fatal("stopped timer fired")
	}
	if n := clock.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d, want 0", n)
	}
}

func TestFakeClockAfterFuncChained(t *testing.T) {
	clock := Fake(epoch)
	var ticks []time.Duration
	var schedule func()
	schedule = func() {
		clock.AfterFunc(time.Second, func() {
			ticks = append(ticks, clock.Now().Sub(epoch))
			if len(ticks) < 3 {
				schedule()
			}
		})
	}
	schedule()

	clock.Advance(10 * time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(ticks) != len(want) {
		t.Fatalf("got %d ticks, want %d", len(ticks), len(want))
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("tick %d at %v, want %v", i, ticks[i], want[i])
		}
	}
}

func TestFakeClockSameDeadlineFiresInRegistrationOrder(t *testing.T) {
	clock := Fake(epoch)
	var order []string
	clock.AfterFunc(5*time.Second, func() { order = append(order, "first") })
	clock.AfterFunc(5*time.Second, func() { order = append(order, "second") })
	clock.AfterFunc(4*time.Second, func() { order = append(order, "earliest") })

	clock.Advance(5 * time.Second)
	want := []string{"earliest", "first", "second"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFakeClockTicker(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	clock.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire")
	}

	// The buffer holds one tick; the rest are dropped.
	clock.Advance(3 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after second advance")
	}
	select {
	case <-ticker.C:
		t.Fatal("ticker buffered more than one tick")
	default:
	}

	ticker.Stop()
	if n := clock.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() after Stop = %d, want 0", n)
	}
}

func TestFakeClockNewTickerPanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewTicker(0) did not panic")
		}
	}()
	Fake(epoch).NewTicker(0)
}
