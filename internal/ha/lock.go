package ha

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/logging"
)

// Lock is a process-wide advisory lock held by binding an abstract unix
// socket. The kernel drops the binding when the holder exits, so a crashed
// transition never leaves the lock stuck.
type Lock struct {
	name     string
	attempts int
	interval time.Duration
	strict   bool
	clk      clock.Clock
	logger   *logging.Logger

	l net.Listener
}

// LockOptions configures a Lock.
type LockOptions struct {
	Name     string
	Attempts int
	Interval time.Duration
	// Strict makes Acquire fail after the last attempt. Otherwise the caller
	// proceeds unprotected and relies on every step being idempotent.
	Strict bool
	Clock  clock.Clock
	Logger *logging.Logger
}

// NewLock creates an unheld lock.
func NewLock(o LockOptions) *Lock {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Clock == nil {
		o.Clock = clock.Default()
	}
	if o.Logger == nil {
		o.Logger = logging.WithComponent("lock")
	}
	return &Lock{
		name:     o.Name,
		attempts: o.Attempts,
		interval: o.Interval,
		strict:   o.Strict,
		clk:      o.Clock,
		logger:   o.Logger,
	}
}

// Acquire binds the lock socket, retrying while another process holds it.
func (l *Lock) Acquire() error {
	var last error
	for i := 0; i < l.attempts; i++ {
		ln, err := net.Listen("unix", "@"+l.name)
		if err == nil {
			l.l = ln
			l.logger.Debug("lock acquired", "lock", l.name, "attempt", i+1)
			return nil
		}
		if !errors.Is(err, unix.EADDRINUSE) {
			return errors.Wrapf(err, errors.KindInternal, "bind lock %s", l.name)
		}
		last = err
		if i < l.attempts-1 {
			l.clk.Sleep(l.interval)
		}
	}

	err := errors.Wrapf(last, errors.KindLockContention, "lock %s still held after %d attempts", l.name, l.attempts)
	err = errors.Attr(err, "lock", l.name)
	if l.strict {
		return err
	}
	l.logger.Warn("proceeding without lock", "lock", l.name, "attempts", l.attempts)
	return nil
}

// Held reports whether this Lock currently owns the socket.
func (l *Lock) Held() bool {
	return l.l != nil
}

// Release unbinds the socket. Releasing an unheld lock is a no-op.
func (l *Lock) Release() {
	if l.l == nil {
		return
	}
	if err := l.l.Close(); err != nil {
		l.logger.Warn("lock release failed", "lock", l.name, "error", err)
	}
	l.l = nil
	l.logger.Debug("lock released", "lock", l.name)
}
