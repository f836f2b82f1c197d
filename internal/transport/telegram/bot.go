// Package telegram is the operator bot: it carries log alerts to an ops chat
// and answers owner-only commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"modwatch/internal/ops"
	rtsup "modwatch/internal/runtime/supervisor"
	logx "modwatch/pkg/logx"
)

type Config struct {
	Token        string
	OwnerUserIDs []int64
	OpsChatID    int64
	OpsThreadID  int
	PollTimeout  time.Duration
}

// sender is the part of *tele.Bot used for replies and alerts.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Bot struct {
	cfg    Config
	log    logx.Logger
	bot    *tele.Bot
	out    sender
	router *router

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, ctl ops.Controller, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	log = log.With(logx.Component("telegram"))
	b := &Bot{cfg: cfg, log: log, bot: tb, out: tb, router: newRouter(ctl, cfg.OwnerUserIDs, log)}
	b.registerHandlers()
	return b, nil
}

func (b *Bot) registerHandlers() {
	b.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		req := parseRequest(m.Text)
		if req.Command == "" {
			return nil
		}
		req.FromID, req.ChatID, req.ThreadID = m.Sender.ID, m.Chat.ID, m.ThreadID

		ctx, cancel := context.WithTimeout(b.context(), 15*time.Second)
		defer cancel()
		reply := b.router.handle(ctx, req)
		if reply == "" {
			return nil
		}
		return b.sendText(ctx, m.Chat, m.ThreadID, reply)
	})
}

func (b *Bot) context() context.Context {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.sup != nil {
		return b.sup.Context()
	}
	return context.Background()
}

// Start begins long polling for commands. Sending alerts works without it.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.sup = rtsup.New(ctx,
		rtsup.WithLogger(b.log),
		// the bot is best-effort; its errors never stop the service
		rtsup.WithCancelOnError(false),
	)

	b.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	// Start blocks until Stop; an early return is restarted.
	b.sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telebot poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop never blocks shutdown for long on the getUpdates long poll.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	was := b.running
	b.running = false
	b.runMu.Unlock()
	if !was || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		b.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// Apply takes new owners and a new ops target. Token and poll timeout
// need a restart.
func (b *Bot) Apply(cfg Config) {
	b.router.setOwners(cfg.OwnerUserIDs)
	b.runMu.Lock()
	b.cfg.OwnerUserIDs = cfg.OwnerUserIDs
	b.cfg.OpsChatID, b.cfg.OpsThreadID = cfg.OpsChatID, cfg.OpsThreadID
	b.runMu.Unlock()
}

// SendAlert posts text to the ops chat. It satisfies logx.AlertSender.
func (b *Bot) SendAlert(ctx context.Context, text string) error {
	b.runMu.Lock()
	chatID, threadID := b.cfg.OpsChatID, b.cfg.OpsThreadID
	b.runMu.Unlock()
	if chatID == 0 {
		return errors.New("telegram: no ops chat configured")
	}
	return b.sendText(ctx, &tele.Chat{ID: chatID}, threadID, text)
}

func (b *Bot) sendText(ctx context.Context, chat *tele.Chat, threadID int, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: threadID}
		if _, err := b.out.Send(chat, chunk, opts); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}
