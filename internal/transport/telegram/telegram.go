package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	rtsup "wxrelay/internal/runtime/supervisor"
	kit "wxrelay/internal/transport"
	logx "wxrelay/pkg/logx"
)

// Config maps symbolic room names to Telegram chat IDs. The rest of the
// relay only ever speaks in room names.
type Config struct {
	Token       string
	PollTimeout time.Duration
	Rooms       map[string]int64
	RatePerSec  float64
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	out     atomic.Value // stores (chan<- kit.Update)

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// joined tracks which configured rooms the relay is actively serving.
	// Sends to rooms outside this set are rejected.
	joinedMu sync.Mutex
	joined   map[string]bool

	roomByChat map[int64]string

	// droppedUpdates counts inbound messages dropped because the consumer was
	// slower than the poll loop; reported periodically to avoid log spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}

	a := &Adapter{
		cfg:        cfg,
		log:        log,
		bot:        b,
		limiter:    rate.NewLimiter(rate.Limit(rps), 5),
		joined:     make(map[string]bool),
		roomByChat: make(map[int64]string, len(cfg.Rooms)),
	}
	for room, chatID := range cfg.Rooms {
		a.roomByChat[chatID] = room
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		room, ok := a.roomByChat[m.Chat.ID]
		if !ok {
			return nil
		}
		a.sendUpdate(kit.Update{
			Room:         room,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("inbound messages dropped (channel full)", logx.Uint64("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("inbound messages dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// telebot's Start blocks until Stop; run under a restart loop so a poll
	// loop that exits unexpectedly self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
		return c.Err()
	})

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	if a.bot != nil {
		go a.bot.Stop()
	}

	// Keep shutdown snappy even while a getUpdates long-poll is in flight.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) JoinRoom(room string) error {
	if _, ok := a.cfg.Rooms[room]; !ok {
		return fmt.Errorf("room %q has no configured chat", room)
	}
	a.joinedMu.Lock()
	a.joined[room] = true
	a.joinedMu.Unlock()
	return nil
}

func (a *Adapter) LeaveRoom(room string) error {
	a.joinedMu.Lock()
	delete(a.joined, room)
	a.joinedMu.Unlock()
	return nil
}

func (a *Adapter) Rooms() []string {
	a.joinedMu.Lock()
	defer a.joinedMu.Unlock()
	out := make([]string, 0, len(a.joined))
	for room := range a.joined {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) SendToRoom(ctx context.Context, room, text string, opt *kit.SendOptions) error {
	chatID, ok := a.cfg.Rooms[room]
	if !ok {
		return fmt.Errorf("room %q has no configured chat", room)
	}
	a.joinedMu.Lock()
	joined := a.joined[room]
	a.joinedMu.Unlock()
	if !joined {
		return fmt.Errorf("room %q not joined", room)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	if opt == nil {
		opt = &kit.SendOptions{}
	}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, sendOpt)
	return err
}
