// Package maintenance implements the password-gated maintenance toggle: a
// single authenticated command, carried inband on the tunnel socket, that
// flips a flag suppressing new admissions.
package maintenance

import (
	"crypto/sha1"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/cncrelay/cncrelay/internal/ratelimit"
	"github.com/cncrelay/cncrelay/internal/tunnelproto"
)

// CommandRateLimit is the minimum spacing between authenticated maintenance
// attempts. An attempt whose digest does not match does not start a new
// interval.
const CommandRateLimit = 60 * time.Second

// ToggleCommand is the only recognized command byte; every other value is
// reserved and leaves state unchanged.
const ToggleCommand byte = 0x00

// Gate authenticates and applies maintenance commands, and answers whether
// maintenance mode is currently active.
//
// Enabled is read from the same single goroutine (the relay engine's receive
// loop) that calls Handle; it is also read from the heartbeat goroutine when
// reporting status to the directory, so it is stored behind the same mutex
// as lastCommandTick rather than as a bare bool.
type Gate struct {
	digest    [tunnelproto.MaintDigestLen]byte
	hasDigest bool
	clock     ratelimit.Clock

	mu             sync.Mutex
	enabled        bool
	lastCommandTick time.Time
}

// New builds a Gate for the given password. An empty password disables the
// command entirely: Handle will then always ignore attempts.
func New(password string, clock ratelimit.Clock) *Gate {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	g := &Gate{clock: clock}
	if password != "" {
		g.digest = sha1.Sum([]byte(password))
		g.hasDigest = true
	}
	return g
}

// Enabled reports whether maintenance mode is currently active.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Outcome reports what Handle decided, for logging and metrics.
type Outcome int

const (
	// OutcomeIgnoredRateLimited means less than CommandRateLimit elapsed
	// since the previous processed attempt.
	OutcomeIgnoredRateLimited Outcome = iota
	// OutcomeIgnoredNoPassword means no maintenance_password is configured.
	OutcomeIgnoredNoPassword
	// OutcomeAuthFailure means the supplied digest did not match.
	OutcomeAuthFailure
	// OutcomeApplied means the digest matched and the command (toggle or a
	// reserved no-op) was processed.
	OutcomeApplied
)

// Handle authenticates and applies cmd, per the ordered guards in spec
// section 4.4. It returns the resulting Outcome.
func (g *Gate) Handle(cmd tunnelproto.MaintenanceCommand) Outcome {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastCommandTick.IsZero() && now.Sub(g.lastCommandTick) < CommandRateLimit {
		return OutcomeIgnoredRateLimited
	}
	if !g.hasDigest {
		return OutcomeIgnoredNoPassword
	}
	if subtle.ConstantTimeCompare(cmd.Digest[:], g.digest[:]) != 1 {
		return OutcomeAuthFailure
	}

	g.lastCommandTick = now
	if cmd.Command == ToggleCommand {
		g.enabled = !g.enabled
	}
	return OutcomeApplied
}
