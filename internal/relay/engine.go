package relay

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/cncrelay/cncrelay/internal/clienttable"
	"github.com/cncrelay/cncrelay/internal/maintenance"
	"github.com/cncrelay/cncrelay/internal/metrics"
	"github.com/cncrelay/cncrelay/internal/ratelimit"
	"github.com/cncrelay/cncrelay/internal/sourcefilter"
	"github.com/cncrelay/cncrelay/internal/tunnelproto"
)

// Config wires the engine to the shared state it mutates under lock (the
// client table) and the independent subsystems it consults per datagram.
type Config struct {
	Table       *clienttable.Table
	PingLimiter *ratelimit.WindowCounter
	Maintenance *maintenance.Gate
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// udpConn is the subset of *net.UDPConn the engine depends on. Tests
// substitute a fake that captures writes in memory, since a real reply can
// only be delivered to a routable address and sourcefilter.IsHostile would
// reject a loopback one.
type udpConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	Close() error
}

// Engine runs the tunnel port's UDP receive loop: classify each datagram,
// then admit/forward under the client table lock, or handle the
// ping/maintenance side channels.
type Engine struct {
	conn    udpConn
	table   *clienttable.Table
	pings   *ratelimit.WindowCounter
	maint   *maintenance.Gate
	metrics *metrics.Metrics
	log     *slog.Logger

	bufPool sync.Pool
}

func NewEngine(conn udpConn, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		conn:    conn,
		table:   cfg.Table,
		pings:   cfg.PingLimiter,
		maint:   cfg.Maintenance,
		metrics: m,
		log:     logger,
		bufPool: sync.Pool{
			New: func() any {
				b := make([]byte, tunnelproto.MaxDatagramLen)
				return &b
			},
		},
	}
}

// Serve runs the receive loop until ctx is cancelled or the socket errors.
func (e *Engine) Serve(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = e.conn.Close()
		close(stopped)
	}()

	for {
		bufPtr := e.bufPool.Get().(*[]byte)
		buf := *bufPtr
		n, from, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			e.bufPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				<-stopped
				return nil
			default:
				return err
			}
		}

		pkt := buf[:n]
		e.handleDatagram(pkt, from)
		e.bufPool.Put(bufPtr)
	}
}

func (e *Engine) handleDatagram(pkt []byte, from netip.AddrPort) {
	if len(pkt) < tunnelproto.HeaderLen {
		e.metrics.DropsMalformed.Inc()
		return
	}
	if sourcefilter.IsHostile(from) {
		e.metrics.DropsHostileSource.Inc()
		return
	}

	header := tunnelproto.ParseHeader(pkt)
	switch tunnelproto.Classify(header, len(pkt)) {
	case tunnelproto.KindHostile, tunnelproto.KindDropSentinel:
		e.metrics.DropsMalformed.Inc()
	case tunnelproto.KindMaintenance:
		e.handleMaintenance(pkt)
	case tunnelproto.KindPing:
		e.handlePing(pkt, from)
	case tunnelproto.KindForward:
		e.handleForward(header, pkt, from)
	}
}

func (e *Engine) handleMaintenance(pkt []byte) {
	if e.maint == nil {
		return
	}
	cmd := tunnelproto.ParseMaintenanceCommand(pkt)
	switch e.maint.Handle(cmd) {
	case maintenance.OutcomeApplied:
		e.log.Info("maintenance_command_applied", "enabled", e.maint.Enabled())
		e.metrics.MaintenanceApplied.Inc()
	case maintenance.OutcomeAuthFailure:
		e.log.Warn("maintenance_command_auth_failure")
		e.metrics.MaintenanceAuthFailure.Inc()
	case maintenance.OutcomeIgnoredRateLimited:
		e.metrics.MaintenanceRateLimited.Inc()
	case maintenance.OutcomeIgnoredNoPassword:
		e.metrics.MaintenanceNoPassword.Inc()
	}
}

func (e *Engine) handlePing(pkt []byte, from netip.AddrPort) {
	if e.pings != nil && !e.pings.Allow(from.Addr()) {
		e.metrics.PingsDropped.Inc()
		return
	}
	reply := pkt[:tunnelproto.PingReplyLen]
	if _, err := e.conn.WriteToUDPAddrPort(reply, from); err != nil {
		e.log.Debug("ping_reply_failed", "err", err, "from", from)
		return
	}
	e.metrics.PingsReplied.Inc()
}

func (e *Engine) handleForward(header tunnelproto.Header, pkt []byte, from netip.AddrPort) {
	sender := header.Sender
	receiver := header.Receiver

	e.table.Lock()
	defer e.table.Unlock()

	maintenanceOn := e.maint != nil && e.maint.Enabled()
	result, _, reason := e.table.AdmitLocked(sender, from, maintenanceOn)
	switch result {
	case clienttable.AdmitNew:
		e.metrics.AdmissionsNew.Inc()
	case clienttable.AdmitRefreshed:
		e.metrics.AdmissionsRefreshed.Inc()
	case clienttable.AdmitRebound:
		e.metrics.AdmissionsRebound.Inc()
	case clienttable.AdmitRejected:
		switch reason {
		case clienttable.RejectIPLimit:
			e.metrics.DropsIPLimit.Inc()
		case clienttable.RejectMaintenanceGated:
			e.metrics.DropsMaintenanceGated.Inc()
		default:
			e.metrics.DropsTableFull.Inc()
		}
		return
	}

	if receiver.IsReserved() {
		return
	}
	target, outcome := e.table.ForwardTargetLocked(receiver, from)
	switch outcome {
	case clienttable.ForwardUnknownReceiver:
		// Unknown receiver is the NAT-traversal registration idiom, not an
		// error; this is not logged as a drop, but it is still counted.
		e.metrics.DropsUnknownReceiver.Inc()
		return
	case clienttable.ForwardSelfEcho:
		e.metrics.DropsSelfEcho.Inc()
		return
	}

	if _, err := e.conn.WriteToUDPAddrPort(pkt, target); err != nil {
		e.log.Debug("forward_failed", "err", err, "target", target)
		return
	}
	e.metrics.ForwardsOK.Inc()
}

