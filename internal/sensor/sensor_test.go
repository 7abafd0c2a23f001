package sensor

import (
	"context"
	"testing"
	"time"

	"homectl/internal/device"
	"homectl/internal/scheduler"
	"homectl/internal/world"
)

var t0 = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

type mapFinder map[string]*device.Device

func (f mapFinder) FindDevice(id string) (*device.Device, bool) {
	d, ok := f[id]
	return d, ok
}

type fixture struct {
	ctx   context.Context
	sched *scheduler.Manual
	w     *world.Current
	deps  Deps
}

func newFixture(start time.Time) *fixture {
	sched := scheduler.NewManual(start)
	w := world.NewCurrent("", world.WithClock(sched))
	return &fixture{
		ctx:   context.Background(),
		sched: sched,
		w:     w,
		deps:  Deps{Scheduler: sched, Current: w, Location: time.UTC},
	}
}

func newDevice(t *testing.T, name string, caps ...string) *device.Device {
	t.Helper()
	d, err := device.New(name)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	if err := device.NewCapabilities().Attach(d, caps...); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return d
}

func output(t *testing.T, s Sensor, w world.World) any {
	t.Helper()
	v, err := s.Device().Value(context.Background(), Output, w)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	return v
}

func TestDurationSensorWindow(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	s, err := NewDuration("hall busy", Input{Device: hall, Parameter: "motion"}, time.Second, 5*time.Second, f.deps)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	s.Device().Start(f.ctx)
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected false after start, got %v", v)
	}

	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	f.sched.Advance(999 * time.Millisecond)
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected false before min, got %v", v)
	}
	f.sched.Advance(time.Millisecond)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected true at min, got %v", v)
	}
	f.sched.Set(t0.Add(5 * time.Second))
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected true at max, got %v", v)
	}
	f.sched.Advance(time.Millisecond)
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected false after max, got %v", v)
	}
}

func TestDurationSensorDefaults(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	cases := []struct {
		min, max         time.Duration
		wantMin, wantMax time.Duration
	}{
		{0, 0, 0, defaultPulse},
		{-time.Second, 0, 0, defaultPulse},
		{5 * time.Second, time.Second, 5 * time.Second, 0},
		{time.Second, 3 * time.Second, time.Second, 3 * time.Second},
	}
	for _, tc := range cases {
		s, err := NewDuration("d", Input{Device: hall, Parameter: "motion"}, tc.min, tc.max, f.deps)
		if err != nil {
			t.Fatalf("duration: %v", err)
		}
		if min, max := s.Window(); min != tc.wantMin || max != tc.wantMax {
			t.Fatalf("%s..%s: expected %s..%s, got %s..%s", tc.min, tc.max, tc.wantMin, tc.wantMax, min, max)
		}
	}
}

func TestStopCancelsTimersAndStartRechecks(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	s, _ := NewDuration("hall busy", Input{Device: hall, Parameter: "motion"}, time.Second, 0, f.deps)
	s.Device().Start(f.ctx)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	if f.sched.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", f.sched.Pending())
	}
	s.Device().SetEnabled(f.ctx, false)
	if f.sched.Pending() != 0 {
		t.Fatalf("expected timers cancelled on disable, got %d", f.sched.Pending())
	}
	f.sched.Advance(2 * time.Second)
	s.Device().SetEnabled(f.ctx, true)
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected the window to restart on enable, got %v", v)
	}
	f.sched.Advance(time.Second)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected true min after enable, got %v", v)
	}
}

func TestReenableForgetsStaleWindow(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	s, _ := NewDuration("hall busy", Input{Device: hall, Parameter: "motion"}, time.Second, 5*time.Second, f.deps)
	s.Device().Start(f.ctx)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	f.sched.Advance(2 * time.Second)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected true inside the window, got %v", v)
	}

	s.Device().SetEnabled(f.ctx, false)
	_ = hall.SetValue(f.ctx, "motion", false, f.w)
	f.sched.Advance(58 * time.Second)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	s.Device().SetEnabled(f.ctx, true)
	f.sched.Advance(1500 * time.Millisecond)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected the window to count from re-enable, got %v", v)
	}
	f.sched.Advance(4 * time.Second)
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected false past max, got %v", v)
	}
}

func TestCloneContinuesWindow(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	s, _ := NewDuration("hall busy", Input{Device: hall, Parameter: "motion"}, time.Second, 0, f.deps)
	s.Device().Start(f.ctx)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	f.sched.Advance(10 * time.Second)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected current window open, got %v", v)
	}

	hyp := f.w.Clone()
	defer hyp.Discard()
	s.Recheck(f.ctx, hyp)
	if v := output(t, s, hyp); v != true {
		t.Fatalf("expected clone to keep the open window, got %v", v)
	}
	if f.sched.Pending() != 0 {
		t.Fatalf("expected no timers copied into the clone, got %d", f.sched.Pending())
	}
}

func TestCloneLatchPastOffAfter(t *testing.T) {
	f := newFixture(t0.Add(-5 * time.Second))
	hall := newDevice(t, "hall", "motion")
	s, _ := NewLatch("hall seen", Input{Device: hall, Parameter: "motion"}, LatchOptions{OffAfter: 2 * time.Second}, f.deps)
	s.Device().Start(f.ctx)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	f.sched.Set(t0)
	_ = hall.SetValue(f.ctx, "motion", false, f.w)

	hyp := f.w.Clone()
	defer hyp.Discard()
	_ = hyp.SetTime(t0.Add(3 * time.Second))
	s.Recheck(f.ctx, hyp)
	if v := output(t, s, hyp); v != false {
		t.Fatalf("expected clone latch cleared past offAfter, got %v", v)
	}
	f.sched.Set(t0.Add(3 * time.Second))
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected current latch cleared past offAfter, got %v", v)
	}
}

func TestLatchOffAfter(t *testing.T) {
	f := newFixture(t0.Add(-10 * time.Second))
	hall := newDevice(t, "hall", "motion")
	s, err := NewLatch("hall seen", Input{Device: hall, Parameter: "motion"}, LatchOptions{OffAfter: 2 * time.Second}, f.deps)
	if err != nil {
		t.Fatalf("latch: %v", err)
	}
	s.Device().Start(f.ctx)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	f.sched.Set(t0)
	_ = hall.SetValue(f.ctx, "motion", false, f.w)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected latch to hold after input drops, got %v", v)
	}
	f.sched.Advance(1999 * time.Millisecond)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected true before offAfter, got %v", v)
	}
	f.sched.Advance(time.Millisecond)
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected false after offAfter, got %v", v)
	}
	if f.sched.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", f.sched.Pending())
	}
}

func TestLatchInputReturningCancelsOffAfter(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	s, _ := NewLatch("hall seen", Input{Device: hall, Parameter: "motion"}, LatchOptions{OffAfter: 2 * time.Second}, f.deps)
	s.Device().Start(f.ctx)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	_ = hall.SetValue(f.ctx, "motion", false, f.w)
	f.sched.Advance(time.Second)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	f.sched.Advance(5 * time.Second)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected latch on while input holds, got %v", v)
	}
}

func TestLatchResetAfter(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	s, _ := NewLatch("hall seen", Input{Device: hall, Parameter: "motion"}, LatchOptions{ResetAfter: 10 * time.Second}, f.deps)
	s.Device().Start(f.ctx)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	f.sched.Advance(time.Second)
	_ = hall.SetValue(f.ctx, "motion", false, f.w)
	f.sched.Advance(8 * time.Second)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected true before resetAfter, got %v", v)
	}
	f.sched.Advance(time.Second)
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected false resetAfter the input went true, got %v", v)
	}
}

func TestLatchDailyReset(t *testing.T) {
	f := newFixture(time.Date(2024, 5, 6, 22, 0, 0, 0, time.UTC))
	hall := newDevice(t, "hall", "motion")
	s, _ := NewLatch("hall seen", Input{Device: hall, Parameter: "motion"}, LatchOptions{ResetAt: 3 * time.Hour}, f.deps)
	s.Device().Start(f.ctx)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	_ = hall.SetValue(f.ctx, "motion", false, f.w)
	f.sched.Advance(4*time.Hour + 59*time.Minute)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected true before 03:00, got %v", v)
	}
	f.sched.Advance(time.Minute)
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected false at 03:00, got %v", v)
	}
}

func TestLatchResetTransition(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	s, _ := NewLatch("hall seen", Input{Device: hall, Parameter: "motion"}, LatchOptions{}, f.deps)
	s.Device().Start(f.ctx)
	reset := s.Device().FindTransition(ResetTransition)
	if reset == nil {
		t.Fatalf("expected reset transition")
	}

	_ = hall.SetValue(f.ctx, "motion", true, f.w)
	if err := s.Device().Apply(f.ctx, reset, nil, f.w); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected reset to keep the latch while input holds, got %v", v)
	}
	_ = hall.SetValue(f.ctx, "motion", false, f.w)
	f.sched.Advance(time.Hour)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected latch without policies to hold, got %v", v)
	}
	if err := s.Device().Apply(f.ctx, reset, nil, f.w); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected reset to clear the latch, got %v", v)
	}
}

func TestLatchHypotheticalWorldUsesRecheck(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	s, _ := NewLatch("hall seen", Input{Device: hall, Parameter: "motion"}, LatchOptions{OffAfter: 2 * time.Second}, f.deps)
	s.Device().Start(f.ctx)
	_ = hall.SetValue(f.ctx, "motion", true, f.w)

	hyp := f.w.Clone()
	defer hyp.Discard()
	_ = hall.SetValue(f.ctx, "motion", false, hyp)
	if f.sched.Pending() != 0 {
		t.Fatalf("expected no timers for a hypothetical world, got %d", f.sched.Pending())
	}
	hyp.Advance(3 * time.Second)
	s.Recheck(f.ctx, hyp)
	if v := output(t, s, hyp); v != false {
		t.Fatalf("expected hypothetical latch cleared, got %v", v)
	}
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected current latch untouched, got %v", v)
	}
}

func TestOrSensor(t *testing.T) {
	f := newFixture(t0)
	front := newDevice(t, "front", "contact")
	back := newDevice(t, "back", "contact")
	s, err := NewOr("any door", []Input{
		{Device: front, Parameter: "contact", Value: "open"},
		{Device: back, Parameter: "contact", Value: "open"},
	}, f.deps)
	if err != nil {
		t.Fatalf("or: %v", err)
	}
	s.Device().Start(f.ctx)
	_ = front.SetValue(f.ctx, "contact", "closed", f.w)
	_ = back.SetValue(f.ctx, "contact", "open", f.w)
	if v := output(t, s, f.w); v != true {
		t.Fatalf("expected true with one door open, got %v", v)
	}
	_ = back.SetValue(f.ctx, "contact", "closed", f.w)
	if v := output(t, s, f.w); v != false {
		t.Fatalf("expected false with all doors closed, got %v", v)
	}
	if deps := s.Device().Dependencies(); len(deps) != 2 {
		t.Fatalf("expected 2 dependencies, got %d", len(deps))
	}
}

func TestDebouncerPropagatesStableValue(t *testing.T) {
	f := newFixture(t0)
	door := newDevice(t, "door", "contact")
	s, err := NewDebouncer("door stable", door, "contact", 2*time.Second, f.deps)
	if err != nil {
		t.Fatalf("debouncer: %v", err)
	}
	if s.Device().FindParameter(Output).Type() != door.FindParameter("contact").Type() {
		t.Fatalf("expected output to mirror the input type")
	}
	s.Device().Start(f.ctx)

	_ = door.SetValue(f.ctx, "contact", "open", f.w)
	f.sched.Advance(time.Second)
	_ = door.SetValue(f.ctx, "contact", "closed", f.w)
	f.sched.Advance(1500 * time.Millisecond)
	if v := output(t, s, f.w); v != nil {
		t.Fatalf("expected bouncing value suppressed, got %v", v)
	}
	f.sched.Advance(500 * time.Millisecond)
	if v := output(t, s, f.w); v != "closed" {
		t.Fatalf("expected stable value propagated, got %v", v)
	}
}

func TestFromRecordRebuildsSensors(t *testing.T) {
	f := newFixture(t0)
	hall := newDevice(t, "hall", "motion")
	door := newDevice(t, "door", "contact")
	finder := mapFinder{hall.ID(): hall, door.ID(): door}

	latch, _ := NewLatch("hall seen", Input{Device: hall, Parameter: "motion"},
		LatchOptions{ResetAt: 3 * time.Hour, OffAfter: time.Minute}, f.deps, device.WithLabel("Hall seen"))
	dur, _ := NewDuration("hall busy", Input{Device: hall, Parameter: "motion"}, time.Second, time.Minute, f.deps)
	or, _ := NewOr("busy", []Input{{Device: hall, Parameter: "motion"}, {Device: door, Parameter: "contact", Value: "open"}}, f.deps)
	deb, _ := NewDebouncer("door stable", door, "contact", time.Second, f.deps)

	for _, s := range []Sensor{latch, dur, or, deb} {
		rec := s.Device().ToRecord()
		got, err := FromRecord(rec, finder, f.deps)
		if err != nil {
			t.Fatalf("%s: from record: %v", s.Device().Name(), err)
		}
		if got.Device().ID() != s.Device().ID() || got.Device().Name() != s.Device().Name() {
			t.Fatalf("expected identity preserved for %s", s.Device().Name())
		}
		if got.Device().Kind() != s.Device().Kind() {
			t.Fatalf("expected kind %s, got %s", s.Device().Kind(), got.Device().Kind())
		}
	}

	rec := latch.Device().ToRecord()
	got, _ := FromRecord(rec, finder, f.deps)
	if opts := got.(*Latch).Options(); opts.ResetAt != 3*time.Hour || !opts.HasResetAt || opts.OffAfter != time.Minute {
		t.Fatalf("expected latch options preserved, got %+v", opts)
	}
	if got.Device().Label() != "Hall seen" {
		t.Fatalf("expected label preserved, got %s", got.Device().Label())
	}
	if _, err := FromRecord(rec, mapFinder{}, f.deps); err == nil {
		t.Fatalf("expected missing input device to fail")
	}
}
