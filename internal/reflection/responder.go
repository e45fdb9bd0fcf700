package reflection

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net/netip"

	"github.com/cncrelay/cncrelay/internal/metrics"
	"github.com/cncrelay/cncrelay/internal/ratelimit"
	"github.com/cncrelay/cncrelay/internal/sourcefilter"
)

const (
	// RequestLen is the exact length of a reflection request; anything else is
	// dropped before the StunId is even checked.
	RequestLen = 48

	// ReplyLen is the exact length of a reflection reply.
	ReplyLen = 40

	// stunID tags a well-formed request; checked against the first two bytes
	// in network-byte-order.
	stunID = 26262

	// obfuscationKey is XOR'd into the leading address/port bytes of the reply.
	obfuscationKey = 0x20

	recvBufLen = 64
)

// Config wires a Responder to its rate limiter and observability.
type Config struct {
	Limiter *ratelimit.WindowCounter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// udpConn is the subset of *net.UDPConn the responder depends on. Tests
// substitute a fake that captures writes in memory, since a real reply can
// only be delivered to a routable address and sourcefilter.IsHostile would
// reject a loopback one.
type udpConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	Close() error
}

// Responder answers reflection requests on its own IPv4 socket, independent of
// the tunnel relay's client table and mutex.
//
// reply is seeded once in New and never mutated afterward; handleRequest only
// ever reads it to build a per-request copy, so no lock guards it.
type Responder struct {
	conn    udpConn
	limiter *ratelimit.WindowCounter
	metrics *metrics.Metrics
	log     *slog.Logger

	reply [ReplyLen]byte
}

// New seeds the reply buffer once with random bytes, stamps the StunId tag at
// offset 6, and returns a Responder bound to conn. conn should be created with
// ListenIPv4 from the relay package since the reply format only carries 4
// address bytes.
func New(conn udpConn, cfg Config) (*Responder, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	r := &Responder{
		conn:    conn,
		limiter: cfg.Limiter,
		metrics: m,
		log:     logger,
	}
	if _, err := rand.Read(r.reply[:]); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(r.reply[6:8], stunID)
	return r, nil
}

// Serve runs the receive loop until ctx is cancelled or the socket errors.
func (r *Responder) Serve(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
		close(stopped)
	}()

	var buf [recvBufLen]byte
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf[:])
		if err != nil {
			select {
			case <-ctx.Done():
				<-stopped
				return nil
			default:
				return err
			}
		}
		r.handleRequest(buf[:n], from)
	}
}

func (r *Responder) handleRequest(req []byte, from netip.AddrPort) {
	if len(req) != RequestLen {
		return
	}
	if sourcefilter.IsHostile(from) {
		return
	}
	if r.limiter != nil && !r.limiter.Allow(from.Addr()) {
		r.metrics.ReflectionDropped.Inc()
		return
	}
	if binary.BigEndian.Uint16(req[0:2]) != stunID {
		r.metrics.ReflectionDropped.Inc()
		return
	}

	addr4 := from.Addr().Unmap().As4()

	out := r.reply
	copy(out[0:4], addr4[:])
	binary.BigEndian.PutUint16(out[4:6], from.Port())
	for i := 0; i < 6; i++ {
		out[i] ^= obfuscationKey
	}

	if _, err := r.conn.WriteToUDPAddrPort(out[:], from); err != nil {
		r.log.Debug("reflection_reply_failed", "err", err, "from", from)
		return
	}
	r.metrics.ReflectionReplied.Inc()
}
