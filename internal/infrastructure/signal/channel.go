package signal

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peerlink/internal/core/domain"
)

// Channel is one signaling connection. Outbound lines go through a bounded
// queue drained by a writer goroutine; a reader goroutine decodes inbound
// lines and hands them to the hub. Each channel closes exactly once.
type Channel struct {
	hub      *Hub
	remote   string
	outbound bool

	out       chan []byte
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	finish    sync.Once

	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	peerID domain.PeerID // guarded by hub.mu
}

func newChannel(h *Hub, peerID domain.PeerID, remote string, outbound bool) *Channel {
	return &Channel{
		hub:      h,
		peerID:   peerID,
		remote:   remote,
		outbound: outbound,
		out:      make(chan []byte, h.cfg.SendQueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst),
		logger:   h.logger.With("remote", remote),
	}
}

// Send queues env without waiting for the network
func (c *Channel) Send(env domain.Envelope) error {
	line, err := Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.closing:
		return domain.ErrChannelClosed
	default:
	}
	select {
	case c.out <- line:
		return nil
	case <-c.closing:
		return domain.ErrChannelClosed
	default:
		return domain.ErrSendQueueFull
	}
}

// Close flushes queued lines and shuts the transport down. Later calls are
// no-ops.
func (c *Channel) Close() {
	c.fail(nil)
}

// Done is closed once both goroutines have exited
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closing)
	})
}

func (c *Channel) closed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// run starts the reader and writer on an established transport. The hub
// has already accounted for both goroutines.
func (c *Channel) run(conn frameConn) {
	go c.readLoop(conn)
	go c.writeLoop(conn)
}

func (c *Channel) writeLoop(conn frameConn) {
	defer c.hub.wg.Done()
	defer c.release(conn)

	var tick <-chan time.Time
	if c.hub.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.hub.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case line := <-c.out:
			if err := conn.WriteLine(line, c.deadline()); err != nil {
				c.logger.Infow("error writing to signaling channel", "error", err)
				c.fail(err)
				return
			}

		case <-tick:
			if err := conn.Ping(c.deadline()); err != nil {
				c.logger.Infow("error sending ping", "error", err)
				c.fail(err)
				return
			}

		case <-c.closing:
			if c.closeErr == nil {
				c.flush(conn)
			}
			return
		}
	}
}

func (c *Channel) flush(conn frameConn) {
	for {
		select {
		case line := <-c.out:
			if err := conn.WriteLine(line, c.deadline()); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) readLoop(conn frameConn) {
	defer c.hub.wg.Done()

	for {
		line, err := conn.ReadLine()
		if errors.Is(err, errLineTooLong) {
			c.hub.dropped(c, "oversized", err)
			continue
		}
		if err != nil {
			if !c.closed() && !isClosedConn(err) {
				c.logger.Infow("error reading from signaling channel", "error", err)
			}
			c.fail(err)
			return
		}

		if !c.limiter.Allow() {
			c.hub.dropped(c, "rate_limited", nil)
			continue
		}
		env, err := Decode(line)
		if err != nil {
			c.hub.dropped(c, "malformed", err)
			continue
		}
		c.hub.inbound(c, env)
	}
}

func (c *Channel) release(conn frameConn) {
	if err := conn.Close(); err != nil && !isClosedConn(err) {
		c.logger.Debugw("error closing signaling transport", "error", err)
	}
	c.finished()
}

// finished reports the channel gone exactly once, whether or not a
// transport was ever attached.
func (c *Channel) finished() {
	c.finish.Do(func() {
		c.hub.channelClosed(c, c.closeErr)
		close(c.done)
	})
}

func (c *Channel) deadline() time.Time {
	return time.Now().Add(c.hub.cfg.WriteTimeout)
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
