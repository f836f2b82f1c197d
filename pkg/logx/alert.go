package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertSender posts one formatted log record to wherever operators look.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
)

// alertSink is a zerolog LevelWriter. It filters by level, rate limits, and
// hands lines to a background worker so logging never blocks on the network.
type alertSink struct {
	mu       sync.Mutex
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue  chan string
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAlertSink() *alertSink {
	return &alertSink{
		queue:    make(chan string, alertQueueSize),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (a *alertSink) apply(cfg AlertConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rps
	}
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	a.mu.Unlock()

	if cfg.Enabled {
		a.once.Do(a.start)
	}
}

func (a *alertSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

func (a *alertSink) setSender(s AlertSender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *alertSink) close() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alertSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.SendAlert(sctx, msg)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	msg := formatAlert(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case a.queue <- msg:
	default:
		// full; drop
	}
	return len(p), nil
}

// formatAlert renders a zerolog JSON line as "[LEVEL] message" followed by
// one "- key=value" line per field, sorted by key.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), alertMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
