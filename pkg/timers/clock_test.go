package timers

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	f := NewFake(epoch)
	var got []int
	f.AfterFunc(3*time.Second, func() { got = append(got, 3) })
	f.AfterFunc(1*time.Second, func() { got = append(got, 1) })
	f.AfterFunc(2*time.Second, func() { got = append(got, 2) })

	f.Advance(2 * time.Second)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("after 2s fired %v, want [1 2]", got)
	}
	f.Advance(time.Second)
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("after 3s fired %v", got)
	}
	if f.Now() != epoch.Add(3*time.Second) {
		t.Errorf("now = %v", f.Now())
	}
}

func TestFake_NeverFiresSynchronously(t *testing.T) {
	f := NewFake(epoch)
	fired := false
	f.AfterFunc(0, func() { fired = true })
	if fired {
		t.Fatal("zero-delay timer fired inside AfterFunc")
	}
	f.Advance(0)
	if !fired {
		t.Fatal("zero-delay timer did not fire on Advance(0)")
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	f := NewFake(epoch)
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if tm.Stop() {
		t.Fatal("second Stop returned true")
	}
	f.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFake_ChainedTimers(t *testing.T) {
	f := NewFake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		f.AfterFunc(time.Second, tick)
	}
	f.AfterFunc(time.Second, tick)

	f.Advance(5 * time.Second)
	if count != 5 {
		t.Fatalf("chained count = %d, want 5", count)
	}
	if d, ok := f.NextDelay(); !ok || d != time.Second {
		t.Errorf("next delay = %v %v, want 1s", d, ok)
	}
}

func TestFake_Delays(t *testing.T) {
	f := NewFake(epoch)
	f.AfterFunc(5*time.Second, func() {})
	f.AfterFunc(time.Second, func() {})
	d := f.Delays()
	if len(d) != 2 || d[0] != time.Second || d[1] != 5*time.Second {
		t.Fatalf("delays = %v", d)
	}
}
