// Package dispatch turns one inbound product message into independent
// delivery attempts across every destination its channel routes to.
package dispatch

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"wxrelay/internal/delivery"
	"wxrelay/internal/eventbus"
	"wxrelay/internal/history"
	"wxrelay/internal/medium"
	"wxrelay/internal/routing"
	rtsup "wxrelay/internal/runtime/supervisor"
	"wxrelay/internal/textfit"
	"wxrelay/internal/transport"
	logx "wxrelay/pkg/logx"
)

// Message is one inbound product. The channel is not a field: it is derived
// from the first token of the body so senders cannot desynchronize the two.
type Message struct {
	Author   string
	Body     string
	Product  string // resource URI for the full product text
	HomeRoom string
}

// Disposition of one destination at routing time. Terminal outcomes
// (delivered, retried, disabled) surface later on the event bus and in the
// delivery log; Route never waits for I/O.
type Disposition string

const (
	DispositionQueued  Disposition = "queued"
	DispositionSkipped Disposition = "skipped" // destination disabled
	DispositionDropped Disposition = "dropped" // dispatch queue full
)

type DestReport struct {
	Dest        routing.Destination
	Disposition Disposition
}

// Report summarizes what Route did with one message.
type Report struct {
	Channel      string
	Seq          int64 // history sequence number, 0 if no home room
	Destinations []DestReport
}

// EventRouted is published on the bus for every routed message.
const EventRouted = "dispatch.routed"

// Senders groups the non-room medium adapters.
type Senders struct {
	Microblog medium.Sender
	Page      medium.Sender
	Webhook   medium.Sender
}

type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Dispatcher owns the worker pool that performs delivery I/O. Route itself
// only classifies, fits, and enqueues.
type Dispatcher struct {
	cfg     Config
	table   *routing.Table
	hist    *history.Log
	policy  *delivery.Manager
	rooms   transport.Adapter
	senders Senders
	bus     eventbus.Bus
	log     logx.Logger

	queue   chan delivery.Attempt
	sup     *rtsup.Supervisor
	dropped uint64
}

func New(cfg Config, table *routing.Table, hist *history.Log, policy *delivery.Manager,
	rooms transport.Adapter, senders Senders, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:     cfg,
		table:   table,
		hist:    hist,
		policy:  policy,
		rooms:   rooms,
		senders: senders,
		bus:     bus,
		log:     log,
		queue:   make(chan delivery.Attempt, cfg.QueueSize),
	}
	if policy != nil {
		policy.SetSubmitter(func(at delivery.Attempt) { d.Submit(at) })
	}
	return d
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < d.cfg.Workers; i++ {
		d.sup.Go0("worker", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case at := <-d.queue:
					d.deliver(c, at)
				}
			}
		})
	}
}

// Stop drains nothing: queued attempts that have not started are abandoned,
// which is acceptable because undelivered products age out quickly.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.sup == nil {
		return nil
	}
	return d.sup.Stop(ctx)
}

// Submit enqueues an attempt without blocking; a full queue drops it.
// Also serves as the delivery manager's retry hook.
func (d *Dispatcher) Submit(at delivery.Attempt) bool {
	select {
	case d.queue <- at:
		return true
	default:
		n := atomic.AddUint64(&d.dropped, 1)
		d.log.Warn("dispatch queue full, attempt dropped",
			logx.String("dest", at.Dest.Key()),
			logx.Uint64("total_dropped", n))
		return false
	}
}

// Route resolves the message's channel, records it in history, and enqueues
// one fitted attempt per active destination. It performs no delivery I/O.
func (d *Dispatcher) Route(msg Message) Report {
	channel := routing.NormalizeChannel(firstToken(msg.Body))
	rep := Report{Channel: channel}

	if d.hist != nil && msg.HomeRoom != "" {
		rep.Seq = d.hist.Append(msg.HomeRoom, history.Entry{
			At:      time.Now(),
			Author:  msg.Author,
			Body:    msg.Body,
			Product: msg.Product,
		})
	}

	if channel == "" {
		d.publish(rep)
		return rep
	}

	for _, dest := range d.table.Resolve(channel) {
		dr := DestReport{Dest: dest}
		switch {
		case d.policy != nil && d.policy.Suppressed(dest):
			dr.Disposition = DispositionSkipped
		default:
			at := delivery.Attempt{
				Dest:    dest,
				Text:    d.fitFor(dest, msg.Body),
				Source:  msg.Author,
				Product: msg.Product,
			}
			if d.Submit(at) {
				dr.Disposition = DispositionQueued
			} else {
				dr.Disposition = DispositionDropped
			}
		}
		rep.Destinations = append(rep.Destinations, dr)
	}

	d.publish(rep)
	return rep
}

// fitFor applies the medium budget. Rooms carry the full text; the chat
// transport handles its own length limits.
func (d *Dispatcher) fitFor(dest routing.Destination, body string) string {
	var s medium.Sender
	switch dest.Kind {
	case routing.KindMicroblog:
		s = d.senders.Microblog
	case routing.KindPage:
		s = d.senders.Page
	case routing.KindWebhook:
		s = d.senders.Webhook
	default:
		return body
	}
	if s == nil {
		return body
	}
	return textfit.Fit(body, s.Budget())
}

// deliver performs one attempt's I/O and feeds the result to the policy.
func (d *Dispatcher) deliver(ctx context.Context, at delivery.Attempt) {
	switch at.Dest.Kind {
	case routing.KindRoom:
		// Fire-and-forget: room delivery has no retry policy, failures are
		// a transport concern.
		if d.rooms == nil {
			return
		}
		if err := d.rooms.SendToRoom(ctx, at.Dest.Target, at.Text, nil); err != nil {
			d.log.Warn("room send failed",
				logx.String("room", at.Dest.Target), logx.Err(err))
		}
		return

	case routing.KindMicroblog:
		d.result(ctx, at, d.senders.Microblog)
	case routing.KindPage:
		d.result(ctx, at, d.senders.Page)
	case routing.KindWebhook:
		d.result(ctx, at, d.senders.Webhook)
	default:
		d.log.Warn("unknown destination kind", logx.String("dest", at.Dest.Key()))
	}
}

func (d *Dispatcher) result(ctx context.Context, at delivery.Attempt, s medium.Sender) {
	if s == nil {
		d.log.Warn("no sender configured", logx.String("dest", at.Dest.Key()))
		return
	}
	_, err := s.Send(ctx, at.Dest.Target, at.Text)
	if d.policy != nil {
		d.policy.OnResult(ctx, at, err)
	} else if err != nil {
		d.log.Warn("delivery failed", logx.String("dest", at.Dest.Key()), logx.Err(err))
	}
}

func (d *Dispatcher) publish(rep Report) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Topic: EventRouted, Data: rep})
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
