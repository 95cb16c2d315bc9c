package uds

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync/atomic"
)

// Listener accepts agent connections on a local Unix-domain socket, per
// spec §4.6: "A local listener accepts connections from processes on the
// same host." Structurally grounded in teacher
// internal/rpc/transport_unix.go's net.Listen("unix", ...) accept loop.
type Listener struct {
	path     string
	opts     Options
	listener *net.UnixListener
	logger   *slog.Logger
	nextID   atomic.Int64

	// OnAccept, if set, is called with each newly accepted connection
	// before Serve runs, so the caller can track it (e.g. for a debug
	// listing).
	OnAccept func(*Connection)
}

// Listen removes any stale socket file at path and starts listening.
func Listen(path string, opts Options) (*Listener, error) {
	_ = os.Remove(path)

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("uds: resolve addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("uds: listen: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{path: path, opts: opts, listener: ln, logger: logger}, nil
}

// Serve accepts connections until ctx is cancelled, running each
// connection's Serve loop in its own goroutine. It blocks until the
// listener closes.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.listener.Close()
	}()

	for {
		raw, err := l.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("uds: accept: %w", err)
		}

		id := strconv.FormatInt(l.nextID.Add(1), 10)
		conn, err := newConnection(id, raw, l.opts)
		if err != nil {
			l.logger.Warn("uds: rejecting connection, failed to capture peer credentials", "error", err)
			_ = raw.Close()
			continue
		}

		if l.OnAccept != nil {
			l.OnAccept(conn)
		}
		go conn.Serve(ctx)
	}
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	err := l.listener.Close()
	_ = os.Remove(l.path)
	return err
}
