package feedbackbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"
)

// maxFrameSize bounds one datagram; a full 682-sample scan plus the other
// fields fits well inside it.
const maxFrameSize = 8192

const readPollInterval = 100 * time.Millisecond

// FrameListener receives raw frames as UDP datagrams and hands each payload
// to a callback.
type FrameListener struct {
	logger  logging.Logger
	conn    *net.UDPConn
	handle  func([]byte) error
	workers *goutils.StoppableWorkers
}

// ListenFrames binds address and starts delivering datagrams to handle.
// handle errors are logged and the listener keeps going.
func ListenFrames(address string, handle func([]byte) error, logger logging.Logger) (*FrameListener, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address %s: %w", address, err)
	}

	l := &FrameListener{logger: logger, conn: conn, handle: handle}
	l.workers = goutils.NewBackgroundStoppableWorkers(l.listenForFrames)
	logger.Infof("listening for frames on %s", conn.LocalAddr())
	return l, nil
}

// Addr is the bound local address.
func (l *FrameListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *FrameListener) listenForFrames(ctx context.Context) {
	buf := make([]byte, maxFrameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			l.logger.Warnf("failed to set read deadline: %v", err)
		}
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warnf("error receiving frame: %v", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := l.handle(payload); err != nil {
			l.logger.Debugw("frame rejected", "from", addr, "error", err)
		}
	}
}

// Close stops the receive loop and releases the socket.
func (l *FrameListener) Close() error {
	l.workers.Stop()
	return l.conn.Close()
}
