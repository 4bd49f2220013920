package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cryptodesk/internal/logger"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/model"
	"cryptodesk/internal/notification"
)

// Feed states reported to price stream peers.
const (
	StateStarting = "starting"
	StateLive     = "live"
	StateDegraded = "degraded"
	StateStale    = "stale"
)

// StatusSink receives feed state transitions; the hub implements it.
type StatusSink interface {
	SetFeedStatus(state string, source model.Source)
}

// SupervisorOptions configures a Supervisor. Sink is required.
type SupervisorOptions struct {
	StaleAfter time.Duration
	Sink       StatusSink
	Notifier   notification.Notifier
	Health     *metrics.HealthStatus
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Supervisor watches tick arrival per source. The primary source is
// preferred; when it goes quiet for longer than StaleAfter the feed is
// degraded to the secondary, and when both are quiet it is stale. Alerts
// fire on transitions only.
type Supervisor struct {
	staleAfter time.Duration
	sink       StatusSink
	notifier   notification.Notifier
	health     *metrics.HealthStatus
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time

	alerts chan notification.Alert

	checkMu sync.Mutex // orders transitions reported to sink
	mu      sync.Mutex
	started time.Time
	last    map[model.Source]time.Time
	state   string
	source  model.Source
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Supervisor{
		staleAfter: opts.StaleAfter,
		sink:       opts.Sink,
		notifier:   opts.Notifier,
		health:     opts.Health,
		metrics:    opts.Metrics,
		log:        logger.Or(opts.Logger).With("component", "feed_supervisor"),
		now:        opts.Now,
		alerts:     make(chan notification.Alert, 16),
		started:    opts.Now(),
		last:       make(map[model.Source]time.Time),
		state:      StateStarting,
	}
	if s.notifier == nil {
		s.notifier = notification.NewLogNotifier(opts.Logger)
	}
	return s
}

// PublishTick records tick arrival. Arrival time is taken from the local
// clock, not the tick, so a feed with a skewed clock is still judged on
// whether it is delivering. A tick from a better source than the current
// one is evaluated immediately.
func (s *Supervisor) PublishTick(t model.PriceTick) {
	s.mu.Lock()
	s.last[t.Source] = s.now()
	recheck := s.state != StateLive || (s.source != t.Source && t.Source == model.SourcePrimary)
	s.mu.Unlock()
	if recheck {
		s.Check()
	}
}

// State returns the current feed state and the source being served.
func (s *Supervisor) State() (string, model.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.source
}

// Check evaluates freshness and reports a transition if there is one.
func (s *Supervisor) Check() {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()
	now := s.now()

	s.mu.Lock()
	fresh := func(src model.Source) bool {
		at, ok := s.last[src]
		return ok && now.Sub(at) <= s.staleAfter
	}
	primary, secondary := fresh(model.SourcePrimary), fresh(model.SourceSecondary)

	var state string
	var source model.Source
	switch {
	case primary:
		state, source = StateLive, model.SourcePrimary
	case secondary:
		state, source = StateDegraded, model.SourceSecondary
	case now.Sub(s.started) <= s.staleAfter && len(s.last) == 0:
		// Nothing has arrived yet but the grace period has not run out.
		s.mu.Unlock()
		return
	default:
		state, source = StateStale, ""
	}
	prevState := s.state
	if state == prevState && source == s.source {
		s.mu.Unlock()
		return
	}
	s.state, s.source = state, source
	s.mu.Unlock()

	s.log.Info("feed state changed", "from", prevState, "to", state, "source", source)
	s.sink.SetFeedStatus(state, source)
	for _, src := range []model.Source{model.SourcePrimary, model.SourceSecondary} {
		live := src == model.SourcePrimary && primary || src == model.SourceSecondary && secondary
		if s.health != nil {
			s.health.SetFeedLive(string(src), live)
		}
		s.metrics.SetFeedLive(string(src), live)
	}

	if a, ok := transitionAlert(prevState, state, source, now); ok {
		select {
		case s.alerts <- a:
		default:
			s.log.Warn("alert queue full, dropping alert", "title", a.Title)
		}
	}
}

func transitionAlert(from, to string, source model.Source, at time.Time) (notification.Alert, bool) {
	a := notification.Alert{State: to, Source: string(source), At: at}
	switch to {
	case StateLive:
		if from == StateStarting {
			return a, false
		}
		a.Level = notification.AlertInfo
		a.Title = "price feed recovered"
		a.Message = fmt.Sprintf("serving %s source again after %s", source, from)
	case StateDegraded:
		a.Level = notification.AlertWarning
		a.Title = "price feed degraded"
		a.Message = "primary source silent, serving secondary"
	case StateStale:
		a.Level = notification.AlertCritical
		a.Title = "price feed stale"
		a.Message = "no source has delivered a tick recently"
	default:
		return a, false
	}
	return a, true
}

// Run checks freshness on a ticker and delivers queued alerts until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.staleAfter / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Check()
		case a := <-s.alerts:
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if err := s.notifier.Send(sendCtx, a); err != nil {
				s.log.Warn("alert delivery failed", "title", a.Title, "err", err)
			}
			cancel()
		}
	}
}
