package delivery

import (
	"context"
	"sync"
	"time"

	"wxrelay/internal/eventbus"
	"wxrelay/internal/routing"
	"wxrelay/internal/storage"
	logx "wxrelay/pkg/logx"
)

// State of one destination in the delivery state machine.
type State int

const (
	StateActive State = iota
	StateBackoff
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateBackoff:
		return "backoff"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Outcome is the terminal or intermediate disposition of one attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRetried   Outcome = "retried"
	OutcomeDisabled  Outcome = "disabled"
	OutcomeDropped   Outcome = "dropped"
)

// EventOutcome is the eventbus payload published for every processed result.
const EventOutcome = "delivery.outcome"

// OutcomeEvent mirrors the fields the operational log carries.
type OutcomeEvent struct {
	Dest    routing.Destination
	Outcome Outcome
	Class   string
	Code    int
	Source  string
	Product string
	Trip    int
}

// Attempt is one unit of content headed at one destination. Trip counts
// prior submissions of this same content to this same destination.
type Attempt struct {
	Dest    routing.Destination
	Text    string
	Source  string
	Product string
	Trip    int
}

// Config caps the retry behavior.
type Config struct {
	RetryDelay time.Duration // transient class
	QuotaDelay time.Duration // quota class, longer
	MaxTrips   int           // total submissions per content, retries included
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 15 * time.Second
	}
	if c.QuotaDelay <= 0 {
		c.QuotaDelay = 5 * time.Minute
	}
	if c.MaxTrips <= 0 {
		c.MaxTrips = 2
	}
	return c
}

// Notifier raises operational alerts; implementations are expected to be
// throttled and must never block.
type Notifier interface {
	Alert(text string)
}

// Submitter re-enqueues an attempt after its backoff delay elapses.
type Submitter func(Attempt)

type destState struct {
	state  State
	timers map[*time.Timer]struct{}
}

// Manager owns DeliveryPolicy state for every destination. All transitions
// go through OnResult. Retry timers are tracked per attempt: several
// messages can be in backoff toward the same destination at once, and a
// result for one never cancels another's pending re-submission. Disabling a
// destination kills every retry aimed at it.
type Manager struct {
	cfg    Config
	table  *routing.Table
	store  storage.Store
	bus    eventbus.Bus
	notify Notifier
	log    logx.Logger

	mu     sync.Mutex
	dests  map[string]*destState
	submit Submitter
}

func NewManager(cfg Config, table *routing.Table, store storage.Store, bus eventbus.Bus, notify Notifier, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		table:  table,
		store:  store,
		bus:    bus,
		notify: notify,
		log:    log,
		dests:  make(map[string]*destState),
	}
}

// SetSubmitter installs the retry hook. Must be called before the first
// OnResult; the dispatcher does this during wiring.
func (m *Manager) SetSubmitter(s Submitter) {
	m.mu.Lock()
	m.submit = s
	m.mu.Unlock()
}

// State reports the current state of a destination (Active if never seen).
func (m *Manager) State(dest routing.Destination) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, ok := m.dests[dest.Key()]; ok {
		return ds.state
	}
	return StateActive
}

// Suppressed reports whether attempts to this destination should be skipped
// outright because it is disabled.
func (m *Manager) Suppressed(dest routing.Destination) bool {
	return m.State(dest) == StateDisabled
}

// OnResult feeds one attempt outcome into the state machine and returns the
// disposition. err == nil is success.
func (m *Manager) OnResult(ctx context.Context, at Attempt, err error) Outcome {
	class := Classify(err)
	code := Code(err)

	switch class {
	case ClassOK:
		m.markActive(at.Dest)
		m.finish(ctx, at, OutcomeDelivered, class, code, "")
		return OutcomeDelivered

	case ClassDuplicate:
		// The provider already has the content; success, but keep the class
		// visible in the log.
		m.markActive(at.Dest)
		m.finish(ctx, at, OutcomeDuplicate, class, code, errText(err))
		return OutcomeDuplicate

	case ClassFatal:
		m.disable(ctx, at, class, code, errText(err))
		return OutcomeDisabled

	default: // transient, quota
		if at.Trip+1 >= m.cfg.MaxTrips {
			m.markActive(at.Dest)
			m.finish(ctx, at, OutcomeDropped, class, code, errText(err))
			return OutcomeDropped
		}
		m.scheduleRetry(at, class)
		m.publish(at, OutcomeRetried, class, code)
		m.log.Warn("delivery retry scheduled",
			logx.String("dest", at.Dest.Key()),
			logx.String("class", class.String()),
			logx.Int("code", code),
			logx.Int("trip", at.Trip))
		return OutcomeRetried
	}
}

// Enable administratively re-enables a disabled destination.
func (m *Manager) Enable(ctx context.Context, dest routing.Destination) error {
	if m.store != nil {
		ep := storage.Endpoint{Kind: string(dest.Kind), Target: dest.Target}
		if err := m.store.EnableEndpoint(ctx, ep); err != nil {
			return err
		}
	}
	if m.table != nil {
		m.table.SetEnabled(dest)
	}
	m.mu.Lock()
	m.destLocked(dest).state = StateActive
	m.mu.Unlock()
	m.log.Info("destination re-enabled", logx.String("dest", dest.Key()))
	return nil
}

// Close cancels every pending retry timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ds := range m.dests {
		for t := range ds.timers {
			t.Stop()
			delete(ds.timers, t)
		}
	}
}

func (m *Manager) scheduleRetry(at Attempt, class Class) {
	delay := m.cfg.RetryDelay
	if class == ClassQuota {
		delay = m.cfg.QuotaDelay
	}
	next := Attempt{Dest: at.Dest, Text: at.Text, Source: at.Source, Product: at.Product, Trip: at.Trip + 1}

	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.destLocked(at.Dest)
	if ds.state == StateDisabled {
		return
	}
	ds.state = StateBackoff
	submit := m.submit
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		ds := m.destLocked(next.Dest)
		delete(ds.timers, t)
		disabled := ds.state == StateDisabled
		if !disabled && len(ds.timers) == 0 && ds.state == StateBackoff {
			ds.state = StateActive
		}
		m.mu.Unlock()
		if disabled || submit == nil {
			return
		}
		submit(next)
	})
	ds.timers[t] = struct{}{}
}

func (m *Manager) disable(ctx context.Context, at Attempt, class Class, code int, detail string) {
	m.markDisabled(at.Dest)
	if m.table != nil {
		m.table.SetDisabled(at.Dest)
	}
	if m.store != nil {
		ep := storage.Endpoint{Kind: string(at.Dest.Kind), Target: at.Dest.Target}
		if err := m.store.DisableEndpoint(ctx, ep, detail); err != nil {
			m.log.Error("persisting disablement failed",
				logx.String("dest", at.Dest.Key()), logx.Err(err))
		}
	}
	m.finish(ctx, at, OutcomeDisabled, class, code, detail)
	if m.notify != nil {
		m.notify.Alert("delivery to " + at.Dest.Key() + " disabled: " + detail)
	}
}

// finish records a terminal outcome: structured log, audit row, event.
func (m *Manager) finish(ctx context.Context, at Attempt, out Outcome, class Class, code int, detail string) {
	m.log.Info("delivery finished",
		logx.String("dest", at.Dest.Key()),
		logx.String("outcome", string(out)),
		logx.String("class", class.String()),
		logx.Int("code", code),
		logx.String("product", at.Product),
		logx.Int("trip", at.Trip))

	if m.store != nil {
		err := m.store.AppendDeliveryLog(ctx, storage.DeliveryLogEntry{
			At:           time.Now(),
			Medium:       string(at.Dest.Kind),
			Source:       at.Source,
			ResourceURI:  at.Product,
			Message:      at.Text,
			Response:     detail,
			ResponseCode: code,
		})
		if err != nil {
			m.log.Warn("delivery log append failed", logx.Err(err))
		}
	}
	m.publish(at, out, class, code)
}

func (m *Manager) publish(at Attempt, out Outcome, class Class, code int) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Topic: EventOutcome,
		Data: OutcomeEvent{
			Dest:    at.Dest,
			Outcome: out,
			Class:   class.String(),
			Code:    code,
			Source:  at.Source,
			Product: at.Product,
			Trip:    at.Trip,
		},
	})
}

// markActive returns a destination to Active unless it is disabled or still
// has retries in flight. It never touches pending timers: a result for one
// message says nothing about another message's scheduled re-attempt.
func (m *Manager) markActive(dest routing.Destination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.destLocked(dest)
	if ds.state == StateDisabled || len(ds.timers) > 0 {
		return
	}
	ds.state = StateActive
}

// markDisabled shuts a destination down and cancels every retry aimed at it.
func (m *Manager) markDisabled(dest routing.Destination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.destLocked(dest)
	ds.state = StateDisabled
	for t := range ds.timers {
		t.Stop()
		delete(ds.timers, t)
	}
}

func (m *Manager) destLocked(dest routing.Destination) *destState {
	key := dest.Key()
	ds, ok := m.dests[key]
	if !ok {
		ds = &destState{state: StateActive, timers: make(map[*time.Timer]struct{})}
		m.dests[key] = ds
	}
	return ds
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
