package condition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"homectl/internal/device"
	"homectl/internal/parameter"
	"homectl/internal/scheduler"
	"homectl/internal/world"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) handler() Handler {
	return Funcs{
		OnFunc: func(_ context.Context, w world.World, c Condition, _ world.Properties) {
			r.add("on")
		},
		OffFunc: func(_ context.Context, w world.World, c Condition) {
			r.add("off")
		},
		TriggerFunc: func(_ context.Context, w world.World, c Condition, _ world.Properties) {
			r.add("trigger")
		},
		ErrorFunc: func(_ context.Context, w world.World, c Condition, err error) {
			r.add("error")
		},
	}
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ""
	for i, e := range r.events {
		if i > 0 {
			out += ","
		}
		out += e
	}
	return out
}

type mapFinder map[string]*device.Device

func (f mapFinder) FindDevice(id string) (*device.Device, bool) {
	d, ok := f[id]
	return d, ok
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

func mustParam(t *testing.T, d *device.Device, name string, value any, opts ...Option) *Parameter {
	t.Helper()
	c, err := NewParameter(d, name, value, opts...)
	if err != nil {
		t.Fatalf("new parameter condition: %v", err)
	}
	return c
}

func TestParameterConditionFiresOnChangeOnly(t *testing.T) {
	ctx := context.Background()
	w := world.NewCurrent("")
	lamp := newDevice(t, "lamp", "switch")
	c := mustParam(t, lamp, "switch", "on")
	rec := &recorder{}
	c.AddHandler(rec.handler())

	_ = lamp.SetValue(ctx, "switch", "on", w)
	_ = lamp.SetValue(ctx, "switch", "on", w)
	_ = lamp.SetValue(ctx, "switch", "off", w)
	_ = lamp.SetValue(ctx, "switch", "off", w)
	if got := rec.String(); got != "on,off" {
		t.Fatalf("expected on,off, got %s", got)
	}
}

func TestParameterConditionOperators(t *testing.T) {
	ctx := context.Background()
	w := world.NewCurrent("")
	thermo := newDevice(t, "thermo", "temperature")
	_ = thermo.SetValue(ctx, "temperature", 21.5, w)

	cases := []struct {
		op    Operator
		bound any
		holds bool
	}{
		{OpEQL, 21.5, true},
		{OpNEQ, 21.5, false},
		{OpGTR, 20, true},
		{OpLSS, 20, false},
		{OpGEQ, 21.5, true},
		{OpLEQ, 21, false},
	}
	for _, tc := range cases {
		c := mustParam(t, thermo, "temperature", tc.bound, WithOperator(tc.op))
		props, err := c.Status(ctx, w)
		if err != nil {
			t.Fatalf("%s: status: %v", tc.op, err)
		}
		if (props != nil) != tc.holds {
			t.Fatalf("%s %v: expected holds=%t, got %v", tc.op, tc.bound, tc.holds, props)
		}
	}
}

func TestTriggerFiresOnRisingEdge(t *testing.T) {
	ctx := context.Background()
	w := world.NewCurrent("")
	door := newDevice(t, "door", "contact")
	c := mustParam(t, door, "contact", "open", AsTrigger())
	rec := &recorder{}
	c.AddHandler(rec.handler())

	_ = door.SetValue(ctx, "contact", "open", w)
	_ = door.SetValue(ctx, "contact", "closed", w)
	_ = door.SetValue(ctx, "contact", "open", w)
	if got := rec.String(); got != "trigger,trigger" {
		t.Fatalf("expected two triggers, got %s", got)
	}
	trig, err := w.WaitForUpdate(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	props, ok := trig.Condition(c.ID())
	if !ok || props[world.TriggerKey] != "true" {
		t.Fatalf("expected trigger recorded in trigger context, got %v", props)
	}
	if !trig.Changed(door.ID()) {
		t.Fatalf("expected door change recorded")
	}
}

func TestConsistency(t *testing.T) {
	lamp := newDevice(t, "lamp", "switch", "level")
	on := mustParam(t, lamp, "switch", "on")
	off := mustParam(t, lamp, "switch", "off")
	notOff := mustParam(t, lamp, "switch", "off", WithOperator(OpNEQ))
	level := mustParam(t, lamp, "level", 50)

	if on.IsConsistentWith(off) || off.IsConsistentWith(on) {
		t.Fatalf("expected on and off to be inconsistent")
	}
	if on.CanOverlap(off) {
		t.Fatalf("expected inconsistent conditions not to overlap")
	}
	if !on.CanOverlap(on) || !off.IsConsistentWith(off) {
		t.Fatalf("expected reflexive consistency")
	}
	if !on.IsConsistentWith(notOff) || off.IsConsistentWith(notOff) {
		t.Fatalf("expected NEQ consistency to follow the bound value")
	}
	if !on.IsConsistentWith(level) {
		t.Fatalf("expected conditions on different parameters to be consistent")
	}

	low, err := NewRange(lamp, "level", 0, 40)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	high, _ := NewRange(lamp, "level", 60, 100)
	mid, _ := NewRange(lamp, "level", 30, 70)
	if low.IsConsistentWith(high) || !low.IsConsistentWith(mid) {
		t.Fatalf("expected range overlap to decide consistency")
	}
	if low.IsConsistentWith(level) || !mid.CanOverlap(level) {
		t.Fatalf("expected range to contain or exclude the equality value")
	}

	and, _ := NewAnd([]Condition{on, level})
	or, _ := NewOr([]Condition{on, off})
	if and.IsConsistentWith(off) {
		t.Fatalf("expected AND with an inconsistent member to be inconsistent")
	}
	if !or.IsConsistentWith(off) {
		t.Fatalf("expected OR with a consistent member to be consistent")
	}
}

func TestLogicalCombination(t *testing.T) {
	ctx := context.Background()
	w := world.NewCurrent("")
	lamp := newDevice(t, "lamp", "switch")
	hall := newDevice(t, "hall", "motion")
	and, err := NewAnd([]Condition{mustParam(t, lamp, "switch", "on"), mustParam(t, hall, "motion", true)})
	if err != nil {
		t.Fatalf("and: %v", err)
	}
	rec := &recorder{}
	and.AddHandler(rec.handler())

	_ = lamp.SetValue(ctx, "switch", "on", w)
	_ = hall.SetValue(ctx, "motion", true, w)
	props, _ := and.Status(ctx, w)
	if props[PropDevice] == "" {
		t.Fatalf("expected merged properties, got %v", props)
	}
	_ = lamp.SetValue(ctx, "switch", "off", w)
	if got := rec.String(); got != "on,off" {
		t.Fatalf("expected on,off, got %s", got)
	}
	if len(and.Sensors()) != 2 {
		t.Fatalf("expected sensor union of 2, got %d", len(and.Sensors()))
	}
}

func TestTriggerCombinationNeedsLevelPart(t *testing.T) {
	ctx := context.Background()
	w := world.NewCurrent("")
	door := newDevice(t, "door", "contact")
	lamp := newDevice(t, "lamp", "switch")
	and, _ := NewAnd([]Condition{
		mustParam(t, door, "contact", "open", AsTrigger()),
		mustParam(t, lamp, "switch", "off"),
	})
	if !and.IsTrigger() {
		t.Fatalf("expected trigger combination")
	}
	rec := &recorder{}
	and.AddHandler(rec.handler())

	_ = lamp.SetValue(ctx, "switch", "on", w)
	_ = door.SetValue(ctx, "contact", "open", w)
	_ = door.SetValue(ctx, "contact", "closed", w)
	_ = lamp.SetValue(ctx, "switch", "off", w)
	if got := rec.String(); got != "" {
		t.Fatalf("expected no fire while the level part fails, got %s", got)
	}
	_ = door.SetValue(ctx, "contact", "open", w)
	if got := rec.String(); got != "trigger" {
		t.Fatalf("expected one trigger, got %s", got)
	}
}

func TestDurationWindow(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewManual(t0)
	w := world.NewCurrent("", world.WithClock(sched))
	hall := newDevice(t, "hall", "motion")
	motion := mustParam(t, hall, "motion", true)
	dur, err := NewDuration(motion, 2*time.Second, 5*time.Second, Deps{Scheduler: sched, Current: w})
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	rec := &recorder{}
	dur.AddHandler(rec.handler())

	_ = hall.SetValue(ctx, "motion", true, w)
	sched.Advance(time.Second)
	if props, _ := dur.Status(ctx, w); props != nil {
		t.Fatalf("expected window closed before min")
	}
	sched.Advance(time.Second)
	if got := rec.String(); got != "on" {
		t.Fatalf("expected on at min, got %s", got)
	}
	sched.Set(t0.Add(5 * time.Second))
	if props, _ := dur.Status(ctx, w); props == nil {
		t.Fatalf("expected window open at max")
	}
	sched.Advance(10 * time.Millisecond)
	if got := rec.String(); got != "on,off" {
		t.Fatalf("expected off after max, got %s", got)
	}
	if sched.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", sched.Pending())
	}
}

func TestDurationResetsWhenBaseStops(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewManual(t0)
	w := world.NewCurrent("", world.WithClock(sched))
	hall := newDevice(t, "hall", "motion")
	dur, _ := NewDuration(mustParam(t, hall, "motion", true), 2*time.Second, 0, Deps{Scheduler: sched, Current: w})
	rec := &recorder{}
	dur.AddHandler(rec.handler())

	_ = hall.SetValue(ctx, "motion", true, w)
	sched.Advance(time.Second)
	_ = hall.SetValue(ctx, "motion", false, w)
	sched.Advance(5 * time.Second)
	if got := rec.String(); got != "" {
		t.Fatalf("expected nothing when the base stops early, got %s", got)
	}
	_ = hall.SetValue(ctx, "motion", true, w)
	sched.Advance(2 * time.Second)
	if got := rec.String(); got != "on" {
		t.Fatalf("expected on after a fresh min, got %s", got)
	}
}

func TestDurationInHypotheticalWorldUsesRecheck(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewManual(t0)
	cur := world.NewCurrent("", world.WithClock(sched))
	hall := newDevice(t, "hall", "motion")
	dur, _ := NewDuration(mustParam(t, hall, "motion", true), 2*time.Second, 5*time.Second, Deps{Scheduler: sched, Current: cur})
	rec := &recorder{}
	dur.AddHandler(rec.handler())

	hyp := cur.Clone()
	defer hyp.Discard()
	_ = hall.SetValue(ctx, "motion", true, hyp)
	if sched.Pending() != 0 {
		t.Fatalf("expected no timers for a hypothetical world")
	}
	hyp.Advance(3 * time.Second)
	dur.Recheck(ctx, hyp)
	if props, _ := dur.Status(ctx, hyp); props == nil {
		t.Fatalf("expected window open in hypothetical world")
	}
	if props, _ := dur.Status(ctx, cur); props != nil {
		t.Fatalf("expected current world unaffected")
	}
	hyp.Advance(3 * time.Second)
	dur.Recheck(ctx, hyp)
	if got := rec.String(); got != "on,off" {
		t.Fatalf("expected on,off, got %s", got)
	}
}

func TestDurationCloneContinuesFromParent(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewManual(t0)
	cur := world.NewCurrent("", world.WithClock(sched))
	hall := newDevice(t, "hall", "motion")
	dur, _ := NewDuration(mustParam(t, hall, "motion", true), 2*time.Second, 5*time.Second, Deps{Scheduler: sched, Current: cur})
	rec := &recorder{}
	dur.AddHandler(rec.handler())

	_ = hall.SetValue(ctx, "motion", true, cur)
	sched.Advance(3 * time.Second)
	if got := rec.String(); got != "on" {
		t.Fatalf("expected on in the current world, got %s", got)
	}

	hyp := cur.Clone()
	defer hyp.Discard()
	if props, _ := dur.Status(ctx, hyp); props == nil {
		t.Fatalf("expected clone to start inside the window")
	}
	dur.Recheck(ctx, hyp)
	if got := rec.String(); got != "on" {
		t.Fatalf("expected no refire in the clone at the same clock, got %s", got)
	}
	hyp.Advance(3 * time.Second)
	dur.Recheck(ctx, hyp)
	if got := rec.String(); got != "on,off" {
		t.Fatalf("expected the clone window to close past max, got %s", got)
	}
	if props, _ := dur.Status(ctx, cur); props == nil {
		t.Fatalf("expected current world still inside the window")
	}
}

func TestDurationOverTrigger(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewManual(t0)
	w := world.NewCurrent("", world.WithClock(sched))
	door := newDevice(t, "door", "contact")
	dur, err := NewDuration(mustParam(t, door, "contact", "open", AsTrigger()), 0, 3*time.Second, Deps{Scheduler: sched, Current: w})
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if dur.IsTrigger() {
		t.Fatalf("expected duration over a trigger to be a level condition")
	}
	rec := &recorder{}
	dur.AddHandler(rec.handler())

	_ = door.SetValue(ctx, "contact", "open", w)
	_ = door.SetValue(ctx, "contact", "closed", w)
	sched.Advance(2 * time.Second)
	_ = door.SetValue(ctx, "contact", "open", w)
	sched.Advance(2 * time.Second)
	if got := rec.String(); got != "on" {
		t.Fatalf("expected held on after a retrigger, got %s", got)
	}
	sched.Advance(2 * time.Second)
	if got := rec.String(); got != "on,off" {
		t.Fatalf("expected off after max since the last trigger, got %s", got)
	}
}

func TestDurationRejectsBadWindow(t *testing.T) {
	hall := newDevice(t, "hall", "motion")
	if _, err := NewDuration(mustParam(t, hall, "motion", true), 5*time.Second, time.Second, Deps{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := NewDuration(mustParam(t, hall, "motion", true, AsTrigger()), 0, 0, Deps{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for trigger without max, got %v", err)
	}
}

func TestTimeWindowWrapsMidnight(t *testing.T) {
	ctx := context.Background()
	night, err := NewTime(22*time.Hour, 6*time.Hour, Deps{Location: time.UTC})
	if err != nil {
		t.Fatalf("time: %v", err)
	}
	cases := []struct {
		at    time.Time
		holds bool
	}{
		{time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 1, 5, 59, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), false},
		{time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		props, _ := night.Status(ctx, world.NewHypothetical(tc.at))
		if (props != nil) != tc.holds {
			t.Fatalf("%s: expected holds=%t", tc.at.Format("15:04"), tc.holds)
		}
	}
}

func TestTimeConditionSchedulesBoundaries(t *testing.T) {
	start := time.Date(2024, 3, 1, 21, 59, 0, 0, time.UTC)
	sched := scheduler.NewManual(start)
	w := world.NewCurrent("", world.WithClock(sched))
	night, _ := NewTime(22*time.Hour, 6*time.Hour, Deps{Scheduler: sched, Current: w, Location: time.UTC})
	rec := &recorder{}
	remove := night.AddHandler(rec.handler())

	sched.Advance(time.Minute)
	sched.Advance(8 * time.Hour)
	if got := rec.String(); got != "on,off" {
		t.Fatalf("expected on at 22:00 and off at 06:00, got %s", got)
	}
	remove()
	if sched.Pending() != 0 {
		t.Fatalf("expected timer cancelled on detach, got %d", sched.Pending())
	}
}

func TestDisabledCondition(t *testing.T) {
	ctx := context.Background()
	w := world.NewCurrent("")
	lamp := newDevice(t, "lamp", "switch")
	c, err := NewDisabled(lamp, Deps{Current: w})
	if err != nil {
		t.Fatalf("disabled: %v", err)
	}
	rec := &recorder{}
	c.AddHandler(rec.handler())
	lamp.SetEnabled(ctx, false)
	lamp.SetEnabled(ctx, true)
	if got := rec.String(); got != "on,off" {
		t.Fatalf("expected on,off, got %s", got)
	}
}

func TestEvaluationErrorIsConditionError(t *testing.T) {
	ctx := context.Background()
	w := world.NewCurrent("")
	offline := errors.New("hub offline")
	d, _ := device.New("remote", device.WithHooks(device.Hooks{
		Refresh: func(context.Context, *device.Device, world.World) error { return offline },
	}))
	d.AddParameter(parameter.NewBoolean("on"))
	c := mustParam(t, d, "on", true)
	_, err := c.Status(ctx, w)
	if !errors.Is(err, ErrCondition) || !errors.Is(err, offline) {
		t.Fatalf("expected condition error wrapping the cause, got %v", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Condition != c.Name() {
		t.Fatalf("expected *Error naming the condition, got %v", err)
	}
}

func TestFromRecordRebuildsTree(t *testing.T) {
	lamp := newDevice(t, "lamp", "switch")
	hall := newDevice(t, "hall", "motion")
	deps := Deps{Scheduler: scheduler.NewManual(t0), Location: time.UTC}
	night, _ := NewTime(22*time.Hour, 6*time.Hour, deps)
	dur, _ := NewDuration(mustParam(t, hall, "motion", true), time.Second, time.Minute, deps)
	and, _ := NewAnd([]Condition{mustParam(t, lamp, "switch", "off", WithOperator(OpNEQ)), dur, night}, WithLabel("evening"))

	rec := and.ToRecord()
	got, err := FromRecord(rec, mapFinder{lamp.ID(): lamp, hall.ID(): hall}, deps)
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if got.ID() != and.ID() || got.Name() != and.Name() || got.Label() != "evening" {
		t.Fatalf("expected identity preserved, got %s %s %s", got.ID(), got.Name(), got.Label())
	}
	subs := got.(*Logical).Subconditions()
	if len(subs) != 3 {
		t.Fatalf("expected 3 subconditions, got %d", len(subs))
	}
	if p := subs[0].(*Parameter); p.Operator() != OpNEQ || p.Value() != "off" {
		t.Fatalf("expected NEQ off, got %s %v", p.Operator(), p.Value())
	}
	if min, max := subs[1].(*Duration).Window(); min != time.Second || max != time.Minute {
		t.Fatalf("expected 1s..1m window, got %s..%s", min, max)
	}
	if from, to := subs[2].(*Time).Window(); from != 22*time.Hour || to != 6*time.Hour {
		t.Fatalf("expected 22:00..06:00, got %s..%s", from, to)
	}

	if _, err := FromRecord(rec, mapFinder{}, deps); !errors.Is(err, ErrMissingDevice) {
		t.Fatalf("expected ErrMissingDevice, got %v", err)
	}
	if _, err := FromRecord(map[string]any{"TYPE": "Bogus"}, nil, deps); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}
