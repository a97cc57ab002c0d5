// Package alert rate-limits operational failure notifications so a
// misbehaving provider cannot flood the ops room.
package alert

import (
	"context"
	"sync"
	"time"

	logx "wxrelay/pkg/logx"
)

const (
	DefaultMaxPerWindow = 10
	DefaultWindow       = time.Hour
)

// Throttle keeps the timestamps of the most recent alerts and admits a new
// one only while fewer than max fall inside the window. State is process
// local and resets on restart.
type Throttle struct {
	mu     sync.Mutex
	times  []time.Time
	max    int
	window time.Duration
	now    func() time.Time
}

func NewThrottle(max int, window time.Duration) *Throttle {
	if max <= 0 {
		max = DefaultMaxPerWindow
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Throttle{max: max, window: window, now: time.Now}
}

// ShouldAlert reports whether an alert may be sent now, recording the
// attempt when admitted. Denied calls record nothing.
func (t *Throttle) ShouldAlert() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if len(t.times) < t.max {
		t.times = append(t.times, now)
		return true
	}
	if now.Sub(t.times[0]) > t.window {
		t.times = append(t.times[1:], now)
		return true
	}
	return false
}

// Service sends throttled alerts to the ops room. Alert never blocks the
// caller and never propagates send failures.
type Service struct {
	throttle *Throttle
	room     string
	send     func(ctx context.Context, room, text string) error
	log      logx.Logger
}

func NewService(throttle *Throttle, room string, send func(ctx context.Context, room, text string) error, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{throttle: throttle, room: room, send: send, log: log}
}

func (s *Service) Alert(text string) {
	if s == nil {
		return
	}
	s.log.Warn("operational alert", logx.String("text", text))
	if s.room == "" || s.send == nil {
		return
	}
	if !s.throttle.ShouldAlert() {
		s.log.Debug("alert suppressed by throttle")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.send(ctx, s.room, text); err != nil {
			s.log.Warn("alert send failed", logx.Err(err))
		}
	}()
}
