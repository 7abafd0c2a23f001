package rule

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"homectl/internal/condition"
	"homectl/internal/device"
	"homectl/internal/eventing"
	"homectl/internal/observability/metrics"
	"homectl/internal/world"
)

// Rule outcomes of one program pass.
const (
	StatusApplied        = "applied"
	StatusActive         = "active"
	StatusActionFailed   = "action_failed"
	StatusSkipped        = "skipped"
	StatusConflict       = "conflict"
	StatusConditionError = "condition_error"
	StatusInactive       = "inactive"
)

// DefaultMaxPasses bounds the passes one evaluation may chain when actions
// keep changing the conditions of other rules.
const DefaultMaxPasses = 16

// Publisher receives rule outcome events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// Outcome is what one pass did with one rule.
type Outcome struct {
	RuleID   string
	RuleName string
	Priority float64
	Status   string
	// Fresh is set when the rule became active in this pass.
	Fresh bool
	// Aborted is set when a losing rule that was active had its apply
	// cancelled.
	Aborted bool
	Err     error
}

// Report lists the outcomes of one pass in rule order.
type Report struct {
	// PassID is the correlation id of the events the pass published.
	PassID   string
	WorldID  string
	Current  bool
	At       time.Time
	Outcomes []Outcome
}

// Status returns the outcome status of a rule, or "" if it was not a
// candidate.
func (r Report) Status(ruleID string) string {
	for _, o := range r.Outcomes {
		if o.RuleID == ruleID {
			return o.Status
		}
	}
	return ""
}

// Applied returns the names of the rules whose actions ran, in firing order.
func (r Report) Applied() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == StatusApplied || o.Status == StatusActionFailed {
			out = append(out, o.RuleName)
		}
	}
	return out
}

// Program holds the rule set and evaluates it against worlds.
type Program struct {
	id        string
	logger    *log.Logger
	publisher Publisher
	maxPasses int

	mu    sync.RWMutex
	rules map[string]*Rule
	subs  map[string]func()

	stateMu sync.Mutex
	worlds  map[string]*worldState
}

// worldState is the program's view of one world.
type worldState struct {
	running bool
	again   bool
	active  map[string]bool
	fired   map[string]bool
	traces  []*[]Report
}

// ProgramOption customizes a program.
type ProgramOption func(*Program)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) ProgramOption {
	return func(p *Program) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisher publishes an eventing.RuleEvaluated for every outcome except
// inactive, plus an eventing.PassCompleted per pass.
func WithPublisher(pub Publisher) ProgramOption {
	return func(p *Program) {
		p.publisher = pub
	}
}

// WithMaxPasses bounds chained passes per evaluation.
func WithMaxPasses(n int) ProgramOption {
	return func(p *Program) {
		if n > 0 {
			p.maxPasses = n
		}
	}
}

// NewProgram constructs an empty program.
func NewProgram(opts ...ProgramOption) *Program {
	p := &Program{
		id:        "PROGRAM_" + uuid.NewString(),
		logger:    log.Default(),
		maxPasses: DefaultMaxPasses,
		rules:     make(map[string]*Rule),
		subs:      make(map[string]func()),
		worlds:    make(map[string]*worldState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// AddRule adds r, replacing any rule with the same id, and subscribes to its
// condition.
func (p *Program) AddRule(r *Rule) error {
	if p == nil {
		return errors.New("program: nil")
	}
	if r == nil {
		return ErrNilRule
	}
	p.mu.Lock()
	old := p.subs[r.id]
	p.rules[r.id] = r
	p.subs[r.id] = nil
	p.mu.Unlock()
	if old != nil {
		old()
	}
	remove := r.cond.AddHandler(p.handler(r))
	p.mu.Lock()
	if p.rules[r.id] == r {
		p.subs[r.id] = remove
		remove = nil
	}
	p.mu.Unlock()
	if remove != nil {
		remove()
	}
	p.logger.Printf("program: rule added id=%s name=%s priority=%v", r.id, r.name, r.Priority())
	return nil
}

// RemoveRule drops the rule with id and aborts any apply in flight.
func (p *Program) RemoveRule(id string) error {
	if p == nil {
		return errors.New("program: nil")
	}
	p.mu.Lock()
	r, ok := p.rules[id]
	remove := p.subs[id]
	delete(p.rules, id)
	delete(p.subs, id)
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if remove != nil {
		remove()
	}
	r.Abort()
	p.stateMu.Lock()
	for _, st := range p.worlds {
		delete(st.active, id)
	}
	p.stateMu.Unlock()
	p.logger.Printf("program: rule removed id=%s name=%s", r.id, r.name)
	return nil
}

// Rules returns the rules in evaluation order: priority descending, newer
// first among equal priorities of 100 or more, then name and id.
func (p *Program) Rules() []*Rule {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	out := make([]*Rule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r)
	}
	p.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

func before(a, b *Rule) bool {
	pa, pb := a.Priority(), b.Priority()
	if pa != pb {
		return pa > pb
	}
	if pa >= 100 && !a.created.Equal(b.created) {
		return a.created.After(b.created)
	}
	if a.name != b.name {
		return a.name < b.name
	}
	return a.id < b.id
}

// FindRule looks a rule up by id, then by name.
func (p *Program) FindRule(key string) (*Rule, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.rules[key]; ok {
		return r, true
	}
	for _, r := range p.rules {
		if r.name == key {
			return r, true
		}
	}
	return nil, false
}

// Active reports whether the rule won its last evaluation in w and its
// condition still held.
func (p *Program) Active(w world.World, ruleID string) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	st, ok := p.worlds[w.ID()]
	return ok && st.active[ruleID]
}

// Close unsubscribes from every rule condition.
func (p *Program) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]func())
	p.mu.Unlock()
	for _, remove := range subs {
		if remove != nil {
			remove()
		}
	}
}

// Trace starts collecting the reports of every pass in w. The returned
// function stops collecting and returns them.
func (p *Program) Trace(w world.World) func() []Report {
	buf := new([]Report)
	st := p.state(w)
	p.stateMu.Lock()
	st.traces = append(st.traces, buf)
	p.stateMu.Unlock()
	return func() []Report {
		p.stateMu.Lock()
		defer p.stateMu.Unlock()
		for i, t := range st.traces {
			if t == buf {
				st.traces = append(st.traces[:i], st.traces[i+1:]...)
				break
			}
		}
		return *buf
	}
}

func (p *Program) handler(r *Rule) condition.Handler {
	changed := func(ctx context.Context, w world.World) {
		st := p.state(w)
		p.stateMu.Lock()
		st.fired[r.id] = true
		p.stateMu.Unlock()
		w.OnUpdateComplete("program:"+p.id, p.evaluate)
	}
	return condition.Funcs{
		OnFunc: func(ctx context.Context, w world.World, _ condition.Condition, _ world.Properties) {
			changed(ctx, w)
		},
		OffFunc: func(ctx context.Context, w world.World, _ condition.Condition) {
			changed(ctx, w)
		},
		TriggerFunc: func(ctx context.Context, w world.World, _ condition.Condition, _ world.Properties) {
			changed(ctx, w)
		},
		ErrorFunc: func(ctx context.Context, w world.World, _ condition.Condition, err error) {
			p.logger.Printf("program: condition error rule=%s world=%s err=%v", r.name, w.ID(), err)
			changed(ctx, w)
		},
	}
}

func (p *Program) state(w world.World) *worldState {
	p.stateMu.Lock()
	st, ok := p.worlds[w.ID()]
	if !ok {
		st = &worldState{active: make(map[string]bool), fired: make(map[string]bool)}
		p.worlds[w.ID()] = st
	}
	p.stateMu.Unlock()
	if !ok {
		w.OnDiscard("program:"+p.id, func(w world.World) {
			p.stateMu.Lock()
			delete(p.worlds, w.ID())
			p.stateMu.Unlock()
		})
	}
	return st
}

// evaluate runs passes over w until no rule condition changes during a
// pass. A call made while a pass is running in w requests one more pass.
func (p *Program) evaluate(ctx context.Context, w world.World) {
	st := p.state(w)
	p.stateMu.Lock()
	if st.running {
		st.again = true
		p.stateMu.Unlock()
		return
	}
	st.running = true
	p.stateMu.Unlock()
	defer func() {
		p.stateMu.Lock()
		st.running = false
		p.stateMu.Unlock()
	}()

	for pass := 0; pass < p.maxPasses; pass++ {
		trig, err := w.WaitForUpdate(ctx)
		if err != nil {
			p.logger.Printf("program: wait for update world=%s err=%v", w.ID(), err)
			return
		}
		p.stateMu.Lock()
		st.again = false
		fired := st.fired
		st.fired = make(map[string]bool)
		p.stateMu.Unlock()

		if _, err := p.runOnce(ctx, w, trig, fired); err != nil {
			p.logger.Printf("program: pass world=%s err=%v", w.ID(), err)
			return
		}

		p.stateMu.Lock()
		again := st.again
		p.stateMu.Unlock()
		if !again {
			return
		}
	}
	p.logger.Printf("program: pass limit reached world=%s passes=%d", w.ID(), p.maxPasses)
}

// RunOnce evaluates the rules affected by trig against w and performs the
// winners. A nil or empty trig evaluates every rule.
func (p *Program) RunOnce(ctx context.Context, w world.World, trig *world.TriggerContext) (Report, error) {
	if p == nil {
		return Report{}, errors.New("program: nil")
	}
	if w == nil {
		return Report{}, errors.New("program: nil world")
	}
	return p.runOnce(ctx, w, trig, nil)
}

// Settle runs a full pass over w and then any passes it causes. Used after
// moving the clock of a hypothetical world.
func (p *Program) Settle(ctx context.Context, w world.World) (Report, error) {
	report, err := p.RunOnce(ctx, w, nil)
	if err != nil {
		return report, err
	}
	p.evaluate(ctx, w)
	return report, nil
}

type candidate struct {
	rule    *Rule
	props   world.Properties
	outcome Outcome
}

func (p *Program) runOnce(ctx context.Context, w world.World, trig *world.TriggerContext, fired map[string]bool) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, err := w.StartUpdate(ctx)
	if err != nil {
		return Report{}, err
	}
	defer w.EndUpdate(ctx)

	start := time.Now()
	st := p.state(w)
	p.stateMu.Lock()
	active := make(map[string]bool, len(st.active))
	for id := range st.active {
		active[id] = true
	}
	p.stateMu.Unlock()

	all := (trig == nil || trig.Empty()) && len(fired) == 0
	report := Report{PassID: "PASS_" + uuid.NewString(), WorldID: w.ID(), Current: w.IsCurrent(), At: w.Time()}
	var eligible []*candidate
	var others []*candidate

	for _, r := range p.Rules() {
		affected := all || fired[r.id] || p.affected(r, trig)
		if !affected && !active[r.id] {
			continue
		}
		c := &candidate{rule: r, outcome: Outcome{RuleID: r.id, RuleName: r.name, Priority: r.Priority()}}
		props, err := p.status(ctx, w, r, trig)
		switch {
		case err != nil:
			c.outcome.Status = StatusConditionError
			c.outcome.Err = err
			others = append(others, c)
		case props == nil:
			c.outcome.Status = StatusInactive
			others = append(others, c)
		default:
			c.props = props
			if !affected {
				// Still active and nothing it reads changed: it keeps its
				// devices but its actions are not repeated.
				c.outcome.Status = StatusActive
			}
			eligible = append(eligible, c)
		}
	}

	resolve(eligible)

	next := make(map[string]bool)
	applied := 0
	for _, c := range eligible {
		r := c.rule
		switch c.outcome.Status {
		case "":
			c.outcome.Fresh = !active[r.id]
			if err := r.apply(ctx, w, c.props, c.outcome.Fresh); err != nil {
				c.outcome.Status = StatusActionFailed
				c.outcome.Err = err
			} else {
				c.outcome.Status = StatusApplied
			}
			applied++
			next[r.id] = true
		case StatusActive:
			next[r.id] = true
		default:
			if active[r.id] {
				r.abortIn(w)
				c.outcome.Aborted = true
			}
		}
	}
	for _, c := range others {
		if active[c.rule.id] {
			c.rule.abortIn(w)
		}
	}

	p.stateMu.Lock()
	st.active = next
	p.stateMu.Unlock()

	report.Outcomes = mergeOutcomes(eligible, others)
	duration := time.Since(start)
	metrics.ObserveProgramPass(w.IsCurrent(), duration)
	pctx := eventing.WithCorrelationID(ctx, report.PassID)
	for _, o := range report.Outcomes {
		metrics.IncRuleOutcome(o.Status)
		p.logOutcome(w, o)
		if o.Status != StatusInactive {
			p.publish(pctx, eventing.RuleEvaluated{
				RuleID:     o.RuleID,
				RuleName:   o.RuleName,
				WorldID:    w.ID(),
				Current:    w.IsCurrent(),
				Priority:   o.Priority,
				Status:     o.Status,
				Error:      errText(o.Err),
				OccurredAt: report.At,
			})
		}
	}
	p.publish(pctx, eventing.PassCompleted{
		WorldID:    w.ID(),
		Current:    w.IsCurrent(),
		Rules:      len(report.Outcomes),
		Applied:    applied,
		Duration:   duration,
		OccurredAt: report.At,
	})
	p.trace(st, report)
	return report, nil
}

// resolve assigns skipped and conflict outcomes. Rules arrive in evaluation
// order, so every device claim seen so far has a priority at least as high
// as the current rule. Rules left without a status are winners.
func resolve(eligible []*candidate) {
	type claim struct {
		priority float64
		owners   []*candidate
	}
	claims := make(map[*device.Device]*claim)
	for _, c := range eligible {
		prio := c.outcome.Priority
		blocked := false
		var tied []*candidate
		for _, d := range c.rule.TargetDevices() {
			cl, ok := claims[d]
			if !ok {
				continue
			}
			if cl.priority > prio {
				blocked = true
				break
			}
			tied = append(tied, cl.owners...)
		}
		if blocked {
			c.outcome.Status = StatusSkipped
			continue
		}
		if len(tied) > 0 {
			c.outcome.Status = StatusConflict
			for _, o := range tied {
				o.outcome.Status = StatusConflict
			}
		}
		for _, d := range c.rule.TargetDevices() {
			cl, ok := claims[d]
			if !ok {
				cl = &claim{priority: prio}
				claims[d] = cl
			}
			cl.owners = append(cl.owners, c)
		}
	}
}

// status evaluates the rule condition. Trigger conditions hold only when
// their trigger fired since the last pass.
func (p *Program) status(ctx context.Context, w world.World, r *Rule, trig *world.TriggerContext) (world.Properties, error) {
	if trig != nil {
		if props, ok := trig.Condition(r.cond.ID()); ok {
			return props, nil
		}
	}
	if r.cond.IsTrigger() {
		return nil, nil
	}
	return r.cond.Status(ctx, w)
}

func (p *Program) affected(r *Rule, trig *world.TriggerContext) bool {
	if trig == nil {
		return false
	}
	if _, ok := trig.Condition(r.cond.ID()); ok {
		return true
	}
	for _, d := range r.cond.Sensors() {
		if trig.Changed(d.ID()) {
			return true
		}
	}
	return false
}

func (p *Program) logOutcome(w world.World, o Outcome) {
	switch o.Status {
	case StatusInactive, StatusActive:
		return
	case StatusApplied:
		p.logger.Printf("program: rule=%s world=%s status=%s fresh=%t", o.RuleName, w.ID(), o.Status, o.Fresh)
	default:
		p.logger.Printf("program: rule=%s world=%s status=%s aborted=%t err=%v", o.RuleName, w.ID(), o.Status, o.Aborted, o.Err)
	}
}

func (p *Program) publish(ctx context.Context, event any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Printf("program: publish event=%s err=%v", eventing.EventType(event), err)
	}
}

func (p *Program) trace(st *worldState, report Report) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	for _, t := range st.traces {
		*t = append(*t, report)
	}
}

// mergeOutcomes restores rule order across eligible and other candidates.
func mergeOutcomes(eligible, others []*candidate) []Outcome {
	all := append(append([]*candidate(nil), eligible...), others...)
	sort.SliceStable(all, func(i, j int) bool { return before(all[i].rule, all[j].rule) })
	out := make([]Outcome, 0, len(all))
	for _, c := range all {
		out = append(out, c.outcome)
	}
	return out
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
