package preview

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"homectl/internal/condition"
	"homectl/internal/device"
	"homectl/internal/eventing"
	"homectl/internal/parameter"
	"homectl/internal/rule"
	"homectl/internal/scheduler"
	"homectl/internal/sensor"
	"homectl/internal/universe"
	"homectl/internal/world"
)

var (
	t0    = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	quiet = log.New(io.Discard, "", 0)
)

type countingBridge struct {
	calls int
}

func (b *countingBridge) Name() string { return "counting" }

func (b *countingBridge) ApplyTransition(context.Context, *device.Device, *device.Transition, parameter.Values, world.World) error {
	b.calls++
	return nil
}

type recordingPublisher struct {
	events []any
}

func (p *recordingPublisher) Publish(_ context.Context, event any) error {
	p.events = append(p.events, event)
	return nil
}

// setup wires motion -> 1s..5s window -> "hall light" turning a bridged lamp on.
func setup(t *testing.T) (*universe.Universe, *device.Device, *countingBridge) {
	t.Helper()
	u, lamp, bridge, _ := setupClock(t)
	return u, lamp, bridge
}

func setupClock(t *testing.T) (*universe.Universe, *device.Device, *countingBridge, *scheduler.Manual) {
	t.Helper()
	ctx := context.Background()
	sched := scheduler.NewManual(t0)
	u := universe.New(universe.WithLogger(quiet), universe.WithClock(sched), universe.WithScheduler(sched), universe.WithLocation(time.UTC))
	bridge := &countingBridge{}
	if err := u.AddBridge(bridge); err != nil {
		t.Fatalf("add bridge: %v", err)
	}
	motion, err := device.New("motion")
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	lamp, err := device.New("lamp", device.WithBridge(bridge))
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	if err := u.Capabilities().Attach(motion, "motion"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := u.Capabilities().Attach(lamp, "switch"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	for _, d := range []*device.Device{motion, lamp} {
		if err := u.AddDevice(ctx, d); err != nil {
			t.Fatalf("add device: %v", err)
		}
	}
	window, err := sensor.NewDuration("hall-window", sensor.Input{Device: motion, Parameter: "motion"}, time.Second, 5*time.Second, u.SensorDeps())
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
	return u, lamp, bridge, sched
}

func findDiff(r Report, dev, param string) (Diff, bool) {
	for _, d := range r.Diffs {
		if d.Device == dev && d.Parameter == param {
			return d, true
		}
	}
	return Diff{}, false
}

func TestPreviewLeavesCurrentWorldAlone(t *testing.T) {
	ctx := context.Background()
	u, lamp, bridge := setup(t)
	pub := &recordingPublisher{}
	svc, err := NewService(u, WithLogger(quiet), WithPublisher(pub))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	report, err := svc.Preview(ctx, Request{
		Changes: []Change{{Device: "motion", Parameter: "motion", Value: true}},
		At:      t0.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	d, ok := findDiff(report, "lamp", "switch")
	if !ok || d.After != "on" {
		t.Fatalf("expected lamp to turn on in the preview, got %+v", report.Diffs)
	}
	if applied := report.Applied(); len(applied) == 0 || applied[0] != "hall light" {
		t.Fatalf("expected hall light applied, got %v", applied)
	}
	if v, _ := lamp.Value(ctx, "switch", u.Current()); v != nil {
		t.Fatalf("expected current lamp untouched, got %v", v)
	}
	if bridge.calls != 0 {
		t.Fatalf("expected no bridge calls, got %d", bridge.calls)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	event, ok := pub.events[0].(eventing.PreviewCompleted)
	if !ok || event.WorldID != report.WorldID || event.Diffs != len(report.Diffs) {
		t.Fatalf("expected PreviewCompleted for %s, got %+v", report.WorldID, pub.events[0])
	}
}

func TestPreviewStepObservesShortWindows(t *testing.T) {
	ctx := context.Background()
	u, _, _ := setup(t)
	svc, err := NewService(u)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	req := Request{
		Changes: []Change{{Device: "motion", Parameter: "motion", Value: true}},
		At:      t0.Add(10 * time.Second),
	}

	jumped, err := svc.Preview(ctx, req)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, ok := findDiff(jumped, "lamp", "switch"); ok {
		t.Fatalf("expected a single jump past the window to miss it, got %+v", jumped.Diffs)
	}

	req.Step = time.Second
	stepped, err := svc.Preview(ctx, req)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if d, ok := findDiff(stepped, "lamp", "switch"); !ok || d.After != "on" {
		t.Fatalf("expected stepping to catch the window, got %+v", stepped.Diffs)
	}
	if !stepped.At.Equal(req.At) {
		t.Fatalf("expected preview at %s, got %s", req.At, stepped.At)
	}
}

func TestPreviewContinuesOpenWindow(t *testing.T) {
	ctx := context.Background()
	u, _, _, sched := setupClock(t)
	motion, _ := u.FindDevice("motion")
	if err := motion.SetValue(ctx, "motion", true, u.Current()); err != nil {
		t.Fatalf("set motion: %v", err)
	}
	sched.Advance(2 * time.Second)
	window, _ := u.FindDevice("hall-window")
	if v, _ := window.Value(ctx, sensor.Output, u.Current()); v != true {
		t.Fatalf("expected current window open, got %v", v)
	}

	svc, err := NewService(u)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	report, err := svc.Preview(ctx, Request{})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if d, ok := findDiff(report, "hall-window", sensor.Output); ok {
		t.Fatalf("expected the clone to keep the open window, got %+v", d)
	}
}

func TestPreviewAppliesLatchDeadline(t *testing.T) {
	ctx := context.Background()
	u, _, _, sched := setupClock(t)
	motion, _ := u.FindDevice("motion")
	latch, err := sensor.NewLatch("hall-seen", sensor.Input{Device: motion, Parameter: "motion"}, sensor.LatchOptions{OffAfter: 2 * time.Second}, u.SensorDeps())
	if err != nil {
		t.Fatalf("new latch: %v", err)
	}
	if err := u.AddSensor(ctx, latch); err != nil {
		t.Fatalf("add sensor: %v", err)
	}
	if err := motion.SetValue(ctx, "motion", true, u.Current()); err != nil {
		t.Fatalf("set motion: %v", err)
	}
	sched.Advance(10 * time.Second)
	if err := motion.SetValue(ctx, "motion", false, u.Current()); err != nil {
		t.Fatalf("set motion: %v", err)
	}

	svc, err := NewService(u)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	report, err := svc.Preview(ctx, Request{At: t0.Add(13 * time.Second)})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	d, ok := findDiff(report, "hall-seen", sensor.Output)
	if !ok || d.Before != true || d.After != false {
		t.Fatalf("expected the latch to clear past offAfter, got %+v", report.Diffs)
	}
	if v, _ := latch.Device().Value(ctx, sensor.Output, u.Current()); v != true {
		t.Fatalf("expected current latch untouched, got %v", v)
	}
}

func TestPreviewRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	u, _, _ := setup(t)
	svc, err := NewService(u)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := NewService(nil); !errors.Is(err, ErrNilUniverse) {
		t.Fatalf("expected ErrNilUniverse, got %v", err)
	}

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown device", Request{Changes: []Change{{Device: "garage", Parameter: "motion", Value: true}}}, ErrUnknownDevice},
		{"negative step", Request{Step: -time.Second}, ErrInvalidStep},
		{"time reversed", Request{At: t0.Add(-time.Minute)}, ErrTimeReversed},
		{"invalid value", Request{Changes: []Change{{Device: "lamp", Parameter: "switch", Value: "dim"}}}, parameter.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Preview(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func sampleReport() Report {
	return Report{
		WorldID: "HYP_sample",
		Start:   t0,
		At:      t0.Add(2 * time.Second),
		Passes: []rule.Report{{
			WorldID: "HYP_sample",
			At:      t0.Add(2 * time.Second),
			Outcomes: []rule.Outcome{
				{RuleID: "RULE_1", RuleName: "hall light", Priority: 10, Status: rule.StatusApplied, Fresh: true},
				{RuleID: "RULE_2", RuleName: "siren", Priority: 5, Status: rule.StatusActionFailed, Err: errors.New("offline")},
			},
		}},
		Diffs: []Diff{{DeviceID: "DEV_lamp", Device: "lamp", Parameter: "switch", After: "on"}},
	}
}

func TestExportCSV(t *testing.T) {
	r := sampleReport()
	var buf bytes.Buffer
	if err := WriteCSV(&buf, r); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"pass,at,rule,priority,status,fresh,aborted,error",
		"1,2024-05-06T08:00:02Z,hall light,10,applied,true,false,",
		"1,2024-05-06T08:00:02Z,siren,5,action_failed,false,false,offline",
		"lamp,switch,,on",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected csv to contain %q, got:\n%s", want, out)
		}
	}
	if got := len(r.Failures()); got != 1 {
		t.Fatalf("expected 1 failure, got %d", got)
	}
}

func TestExportXLSX(t *testing.T) {
	data, err := Export(sampleReport(), FormatXLSX)
	if err != nil {
		t.Fatalf("build xlsx: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("outcomes")
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[1][2] != "hall light" {
		t.Fatalf("expected hall light, got %q", rows[1][2])
	}
	id, err := f.GetCellValue("summary", "B3")
	if err != nil || id != "HYP_sample" {
		t.Fatalf("expected world HYP_sample, got %q (%v)", id, err)
	}
}

func TestExportPDF(t *testing.T) {
	data, err := Export(sampleReport(), FormatPDF)
	if err != nil {
		t.Fatalf("build pdf: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("expected pdf header, got %q", data[:8])
	}
	if _, err := Export(sampleReport(), "docx"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
