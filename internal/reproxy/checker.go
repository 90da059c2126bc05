package reproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/farpath/farpath-agent/internal/metrics"
)

// ErrProtocol marks a listener that answered with something other
// than a SOCKS no-auth acceptance.
var ErrProtocol = errors.New("protocol_error")

const (
	socksVersion = 0x05
	authNone     = 0x00
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Checker verifies that a local re-proxy listener speaks SOCKS. The
// answer is a plain yes/no; the failure reason only goes to the log.
type Checker struct {
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Registry
	timeout time.Duration
}

func NewChecker(logger *slog.Logger, reg *metrics.Registry) *Checker {
	return &Checker{
		dialer:  &net.Dialer{},
		logger:  logger,
		metrics: reg,
		timeout: 5 * time.Second,
	}
}

// Check reports whether a SOCKS listener answers on the loopback port.
// Dial, send, receive, and parse must all succeed; any failure is a
// no.
func (c *Checker) Check(ctx context.Context, port int) bool {
	c.metrics.IncReproxyCheck()
	if err := c.check(ctx, port); err != nil {
		c.logger.Debug("reproxy_check_failed", slog.Int("port", port), slog.String("error", err.Error()))
		return false
	}
	c.logger.Debug("reproxy_check_ok", slog.Int("port", port))
	return true
}

func (c *Checker) check(ctx context.Context, port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	if _, err := conn.Write([]byte{socksVersion, 0x01, authNone}); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if reply[0] != socksVersion || reply[1] != authNone {
		return fmt.Errorf("%w: reply %#02x %#02x", ErrProtocol, reply[0], reply[1])
	}
	return nil
}
