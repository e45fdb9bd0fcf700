// Package clienttable holds the relay's core mutable state: the mapping from
// a client id to the endpoint it was last heard from, and the per-source-IP
// admission counter used to enforce an IP cap.
//
// Table and its admitted-IP counter form one logical unit behind a single
// exclusive mutex; this package owns that mutex. The ping rate limiter used
// by internal/relay is not covered by it: it is a separate
// ratelimit.WindowCounter with its own internal lock, consulted and reset
// without holding the table's mutex.
package clienttable

import (
	"net/netip"
	"sync"
	"time"

	"github.com/cncrelay/cncrelay/internal/ratelimit"
	"github.com/cncrelay/cncrelay/internal/tunnelproto"
)

// TunnelClient is one admitted peer: the endpoint it was last heard from, and
// when.
type TunnelClient struct {
	Endpoint    netip.AddrPort
	LastReceive time.Time
}

func (c TunnelClient) timedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastReceive) >= timeout
}

// Config bounds the table's behavior. Zero values are coerced to the
// documented defaults by config.Load before reaching here; Table itself does
// not re-apply coercion, it trusts its caller.
type Config struct {
	MaxClients int
	IPLimit    int
	Timeout    time.Duration
}

// Table is the client id -> TunnelClient map plus its paired per-IP admitted
// count, guarded by a single mutex.
//
// Len, IPCount, Lookup and Cleanup take the lock themselves. AdmitLocked and
// ForwardTargetLocked do not: the caller holds the lock (Lock/Unlock, or
// WithLock) across both calls and the outbound send of a forwarded packet.
type Table struct {
	cfg   Config
	clock ratelimit.Clock

	mu       sync.Mutex
	clients  map[tunnelproto.ClientID]TunnelClient
	ipCounts map[netip.Addr]int
}

// New creates an empty Table. If clock is nil, ratelimit.RealClock is used.
func New(cfg Config, clock ratelimit.Clock) *Table {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Table{
		cfg:      cfg,
		clock:    clock,
		clients:  make(map[tunnelproto.ClientID]TunnelClient),
		ipCounts: make(map[netip.Addr]int),
	}
}

// Len reports the current number of admitted clients.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// IPCount reports the number of admitted clients whose endpoint address is
// addr. Exposed for tests; not on the hot path.
func (t *Table) IPCount(addr netip.Addr) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ipCounts[addr]
}

// Lookup returns the stored client for id, if admitted.
func (t *Table) Lookup(id tunnelproto.ClientID) (TunnelClient, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[id]
	return c, ok
}

// AdmitResult reports what AdmitLocked decided, so the caller can log/meter and
// decide whether to proceed to the forward stage.
type AdmitResult int

const (
	// AdmitRefreshed means sender was already admitted from this exact
	// endpoint; last_receive was touched.
	AdmitRefreshed AdmitResult = iota
	// AdmitRebound means sender was already admitted, had timed out, and was
	// rebound to a new endpoint.
	AdmitRebound
	// AdmitNew means sender was not previously admitted and now is.
	AdmitNew
	// AdmitRejected means sender could not be admitted or rebound: the table
	// is full, the IP cap was hit, or maintenance mode refused it.
	AdmitRejected
)

// Lock acquires the table's mutex. Callers use Lock/Unlock to bracket a
// datagram's whole admit-then-forward sequence so that the outbound send of a
// forwarded packet happens inside the same critical section that admitted or
// refreshed the sender.
func (t *Table) Lock() { t.mu.Lock() }

// Unlock releases the table's mutex.
func (t *Table) Unlock() { t.mu.Unlock() }

// RejectReason explains why AdmitLocked returned AdmitRejected. It is the
// zero value (RejectNone) for every other result.
type RejectReason int

const (
	RejectNone RejectReason = iota
	// RejectMaintenanceGated means maintenance mode is active and this sender
	// was not already admitted from this exact endpoint.
	RejectMaintenanceGated
	// RejectTableFull means the table is at MaxClients (a brand new sender),
	// or sender is already bound to a different, not-yet-timed-out endpoint
	// (a same-id conflict, which is also a capacity constraint from the
	// table's point of view: the slot isn't free to reassign yet).
	RejectTableFull
	// RejectIPLimit means endpoint's address is already at IPLimit admitted
	// clients.
	RejectIPLimit
)

// AdmitLocked applies the admission rules for a datagram from sender at
// endpoint, while maintenanceEnabled reflects the current maintenance
// toggle. It returns what happened and, when forwarding should be attempted,
// the sender's resulting record; reason explains an AdmitRejected result and
// is RejectNone otherwise. The caller must hold the lock (see Lock).
func (t *Table) AdmitLocked(sender tunnelproto.ClientID, endpoint netip.AddrPort, maintenanceEnabled bool) (AdmitResult, TunnelClient, RejectReason) {
	now := t.clock.Now()

	if existing, ok := t.clients[sender]; ok {
		if existing.Endpoint == endpoint {
			existing.LastReceive = now
			t.clients[sender] = existing
			return AdmitRefreshed, existing, RejectNone
		}
		if maintenanceEnabled {
			return AdmitRejected, TunnelClient{}, RejectMaintenanceGated
		}
		if !existing.timedOut(now, t.cfg.Timeout) {
			return AdmitRejected, TunnelClient{}, RejectTableFull
		}
		if !t.isNewConnectionAllowedLocked(endpoint.Addr(), existing.Endpoint.Addr()) {
			return AdmitRejected, TunnelClient{}, RejectIPLimit
		}
		rebound := TunnelClient{Endpoint: endpoint, LastReceive: now}
		t.clients[sender] = rebound
		return AdmitRebound, rebound, RejectNone
	}

	if maintenanceEnabled {
		return AdmitRejected, TunnelClient{}, RejectMaintenanceGated
	}
	if len(t.clients) >= t.cfg.MaxClients {
		return AdmitRejected, TunnelClient{}, RejectTableFull
	}
	if !t.isNewConnectionAllowedLocked(endpoint.Addr(), netip.Addr{}) {
		return AdmitRejected, TunnelClient{}, RejectIPLimit
	}
	created := TunnelClient{Endpoint: endpoint, LastReceive: now}
	t.clients[sender] = created
	return AdmitNew, created, RejectNone
}

// isNewConnectionAllowedLocked implements the IP-cap admission check. old is
// the zero netip.Addr when there is no previous endpoint (a brand new
// admission) rather than an optional parameter, since callers already hold
// t.mu.
func (t *Table) isNewConnectionAllowedLocked(newAddr, old netip.Addr) bool {
	if t.ipCounts[newAddr] >= t.cfg.IPLimit {
		return false
	}
	if !old.IsValid() {
		t.ipCounts[newAddr]++
		return true
	}
	if newAddr != old {
		t.ipCounts[newAddr]++
		t.decrementIPCountLocked(old)
		return true
	}
	return true
}

func (t *Table) decrementIPCountLocked(addr netip.Addr) {
	n := t.ipCounts[addr] - 1
	if n <= 0 {
		delete(t.ipCounts, addr)
		return
	}
	t.ipCounts[addr] = n
}

// ForwardOutcome reports what ForwardTargetLocked decided.
type ForwardOutcome int

const (
	// ForwardOK means target holds the endpoint to forward to.
	ForwardOK ForwardOutcome = iota
	// ForwardUnknownReceiver means no client is admitted under that id.
	ForwardUnknownReceiver
	// ForwardSelfEcho means the receiver resolved to the sender's own
	// endpoint.
	ForwardSelfEcho
)

// ForwardTargetLocked looks up receiver and reports the endpoint to forward
// to, applying the two anti-echo rules: never forward to the sender's own
// endpoint, and (implicitly, since they'd be equal) never forward a datagram
// whose sender/receiver collapsed to the same id - that case never reaches
// here because tunnelproto.Classify already marks it KindHostile.
//
// The caller must hold the lock (see Lock) across this call and the
// subsequent send.
func (t *Table) ForwardTargetLocked(receiver tunnelproto.ClientID, senderEndpoint netip.AddrPort) (netip.AddrPort, ForwardOutcome) {
	target, ok := t.clients[receiver]
	if !ok {
		return netip.AddrPort{}, ForwardUnknownReceiver
	}
	if target.Endpoint == senderEndpoint {
		return netip.AddrPort{}, ForwardSelfEcho
	}
	return target.Endpoint, ForwardOK
}

// WithLock runs fn with the table's mutex held. Convenience wrapper around
// Lock/Unlock for call sites (and tests) that don't need to interleave
// AdmitLocked and ForwardTargetLocked with other work under the same lock.
func (t *Table) WithLock(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

// CleanupResult summarizes one Heartbeat cleanup pass.
type CleanupResult struct {
	RemainingClients int
	Evicted          int
}

// Cleanup removes every timed-out client, decrementing (and possibly
// deleting) their IP counter entries. It returns the resulting table size
// for the Heartbeat to report to the directory service.
func (t *Table) Cleanup() CleanupResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	evicted := 0
	for id, c := range t.clients {
		if c.timedOut(now, t.cfg.Timeout) {
			delete(t.clients, id)
			t.decrementIPCountLocked(c.Endpoint.Addr())
			evicted++
		}
	}
	return CleanupResult{RemainingClients: len(t.clients), Evicted: evicted}
}
