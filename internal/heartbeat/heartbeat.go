package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/cncrelay/cncrelay/internal/announce"
	"github.com/cncrelay/cncrelay/internal/clienttable"
	"github.com/cncrelay/cncrelay/internal/metrics"
	"github.com/cncrelay/cncrelay/internal/ratelimit"
)

// Interval is the period between cleanup/announce passes, and how often the
// ping rate limiter's window resets.
const Interval = 60 * time.Second

// Announcer is the subset of *announce.Client the heartbeat depends on, so
// tests can substitute a fake without standing up an HTTP server.
type Announcer interface {
	Announce(ctx context.Context, s announce.Status) error
}

// Config wires a Heartbeat to the state it cleans up and the directory
// endpoint it reports to.
type Config struct {
	Table       *clienttable.Table
	PingLimiter *ratelimit.WindowCounter
	Announcer   Announcer

	Name             string
	TunnelPort       int
	MaxClients       int
	MasterPassword   string
	NoMasterAnnounce bool
	MaintenanceOn    func() bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Heartbeat runs the periodic cleanup-then-announce task: evict timed-out
// clients from the table, then report the resulting size to the directory.
type Heartbeat struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics
}

func New(cfg Config) *Heartbeat {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Heartbeat{cfg: cfg, log: logger, m: m}
}

// Run executes one pass immediately, then again every Interval, until ctx is
// cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	h.tick(ctx)

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	result := h.cfg.Table.Cleanup()
	if h.cfg.PingLimiter != nil {
		h.cfg.PingLimiter.Reset()
	}
	for i := 0; i < result.Evicted; i++ {
		h.m.HeartbeatEvictions.Inc()
	}
	if result.Evicted > 0 {
		h.log.Info("heartbeat_evicted_clients", "count", result.Evicted, "remaining", result.RemainingClients)
	}

	if h.cfg.NoMasterAnnounce {
		h.m.HeartbeatAnnounceSkipped.Inc()
		return
	}
	if h.cfg.Announcer == nil {
		return
	}

	maintenanceOn := false
	if h.cfg.MaintenanceOn != nil {
		maintenanceOn = h.cfg.MaintenanceOn()
	}
	status := announce.Status{
		Name:           h.cfg.Name,
		TunnelPort:     h.cfg.TunnelPort,
		Clients:        result.RemainingClients,
		MaxClients:     h.cfg.MaxClients,
		MasterPassword: h.cfg.MasterPassword,
		MaintenanceOn:  maintenanceOn,
	}
	if err := h.cfg.Announcer.Announce(ctx, status); err != nil {
		h.m.HeartbeatAnnounceFailed.Inc()
		h.log.Error("heartbeat_announce_failed", "err", err)
		return
	}
	h.m.HeartbeatAnnounceOK.Inc()
}
