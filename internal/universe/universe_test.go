package universe

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"homectl/internal/condition"
	"homectl/internal/device"
	"homectl/internal/parameter"
	"homectl/internal/rule"
	"homectl/internal/scheduler"
	"homectl/internal/sensor"
	"homectl/internal/store"
	"homectl/internal/world"
)

var (
	t0    = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	quiet = log.New(io.Discard, "", 0)
)

func newUniverse(sched *scheduler.Manual) *Universe {
	return New(WithLogger(quiet), WithClock(sched), WithScheduler(sched), WithLocation(time.UTC))
}

// build creates motion -> 1s..5s window sensor -> rule turning the lamp on.
func build(t *testing.T, u *Universe) (motion, lamp *device.Device, window *sensor.Duration) {
	t.Helper()
	ctx := context.Background()
	var err error
	motion, err = device.New("motion")
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	lamp, err = device.New("lamp")
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	if err := u.Capabilities().Attach(motion, "motion"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := u.Capabilities().Attach(lamp, "switch"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := u.AddDevice(ctx, motion); err != nil {
		t.Fatalf("add device: %v", err)
	}
	if err := u.AddDevice(ctx, lamp); err != nil {
		t.Fatalf("add device: %v", err)
	}
	window, err = sensor.NewDuration("hall-window", sensor.Input{Device: motion, Parameter: "motion"}, time.Second, 5*time.Second, u.SensorDeps())
	if err != nil {
		t.Fatalf("new sensor: %v", err)
	}
	if err := u.AddSensor(ctx, window); err != nil {
		t.Fatalf("add sensor: %v", err)
	}
	cond, err := condition.NewParameter(window.Device(), sensor.Output, true, condition.WithLogger(quiet))
	if err != nil {
		t.Fatalf("new condition: %v", err)
	}
	on, err := rule.NewAction(lamp, "on", nil)
	if err != nil {
		t.Fatalf("new action: %v", err)
	}
	r, err := rule.New(cond, []*rule.Action{on}, 10, rule.WithName("hall light"))
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if err := u.AddRule(r); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	return motion, lamp, window
}

func TestTimerDrivenRule(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewManual(t0)
	u := newUniverse(sched)
	motion, lamp, _ := build(t, u)

	if err := motion.SetValue(ctx, "motion", true, u.Current()); err != nil {
		t.Fatalf("set motion: %v", err)
	}
	if v, _ := lamp.Value(ctx, "switch", u.Current()); v != nil {
		t.Fatalf("expected lamp untouched before min, got %v", v)
	}
	sched.Advance(time.Second)
	if v, _ := lamp.Value(ctx, "switch", u.Current()); v != "on" {
		t.Fatalf("expected lamp on once the window opens, got %v", v)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	original := newUniverse(scheduler.NewManual(t0))
	build(t, original)
	if err := original.Save(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	sched := scheduler.NewManual(t0)
	loaded := newUniverse(sched)
	if err := loaded.Load(ctx, st); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(loaded.Registry().Devices()); got != 3 {
		t.Fatalf("expected 3 devices, got %d", got)
	}
	if got := len(loaded.Sensors()); got != 1 {
		t.Fatalf("expected 1 sensor, got %d", got)
	}
	r, ok := loaded.Program().FindRule("hall light")
	if !ok {
		t.Fatalf("expected rule to load")
	}
	if r.Priority() != 10 {
		t.Fatalf("expected priority 10, got %v", r.Priority())
	}

	motion, ok := loaded.FindDevice("motion")
	if !ok {
		t.Fatalf("expected motion device by name")
	}
	lamp, _ := loaded.FindDevice("lamp")
	if err := motion.SetValue(ctx, "motion", true, loaded.Current()); err != nil {
		t.Fatalf("set motion: %v", err)
	}
	sched.Advance(time.Second)
	if v, _ := lamp.Value(ctx, "switch", loaded.Current()); v != "on" {
		t.Fatalf("expected loaded rule to turn the lamp on, got %v", v)
	}
}

func TestLoadReportsUnresolvedDependencies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	orphan := store.Record{
		store.KeyID:   "DEV_orphan",
		store.KeyName: "orphan",
		store.KeyType: device.KindDevice,
		"DEPENDS":     []string{"DEV_missing"},
	}
	if err := st.Save(ctx, store.KindDevice, orphan); err != nil {
		t.Fatalf("save: %v", err)
	}
	u := newUniverse(scheduler.NewManual(t0))
	if err := u.Load(ctx, st); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
}

type pollingBridge struct {
	refreshes int
}

func (b *pollingBridge) Name() string { return "poller" }

func (b *pollingBridge) ApplyTransition(context.Context, *device.Device, *device.Transition, parameter.Values, world.World) error {
	return nil
}

func (b *pollingBridge) Refresh(context.Context, *device.Device, world.World) error {
	b.refreshes++
	return nil
}

func TestPollingRefreshesBridgedSensors(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewManual(t0)
	u := newUniverse(sched)
	bridge := &pollingBridge{}
	if err := u.AddBridge(bridge); err != nil {
		t.Fatalf("add bridge: %v", err)
	}
	if err := u.AddBridge(bridge); !errors.Is(err, ErrDuplicateBridge) {
		t.Fatalf("expected ErrDuplicateBridge, got %v", err)
	}
	thermo, err := device.New("thermo", device.WithBridge(bridge))
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	if err := u.Capabilities().Attach(thermo, "temperature"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := u.AddDevice(ctx, thermo); err != nil {
		t.Fatalf("add device: %v", err)
	}

	u.StartPolling(time.Minute)
	sched.Advance(3 * time.Minute)
	if bridge.refreshes != 3 {
		t.Fatalf("expected 3 refreshes, got %d", bridge.refreshes)
	}
	u.StartPolling(0)
	sched.Advance(3 * time.Minute)
	if bridge.refreshes != 3 {
		t.Fatalf("expected polling stopped, got %d refreshes", bridge.refreshes)
	}
}
