// Package daemon runs the per-user eluent daemon: a Unix-socket RPC
// server multiplexing record stores, sync, and ledger claims across
// repositories. One instance per user, enforced by a PID file.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/lockfile"
	"github.com/eluent/eluent/internal/rpc"
	"github.com/eluent/eluent/internal/telemetry"
)

// File names under the user data root.
const (
	SocketFileName = "daemon.sock"
	pidFileName    = "daemon.pid"
	logFileName    = "daemon.log"
)

// handlerFunc serves one command. args is the raw request args object.
type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Daemon is the RPC server state.
type Daemon struct {
	cfg        *config.Config
	dataRoot   string
	socketPath string

	pid      *lockfile.PIDFile
	listener net.Listener
	logger   *log.Logger
	metrics  *telemetry.Metrics

	handlers  map[string]handlerFunc
	instances *instanceCache

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	shutdown bool
}

// New builds a daemon rooted at the user data directory.
func New(cfg *config.Config) (*Daemon, error) {
	root, err := cfg.UserDataRoot()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}

	logger := log.New(&lumberjack.Logger{
		Filename:   filepath.Join(root, logFileName),
		MaxSize:    10, // MiB
		MaxBackups: 3,
		MaxAge:     14, // days
	}, "", log.LstdFlags|log.Lmicroseconds)

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		dataRoot:   root,
		socketPath: filepath.Join(root, SocketFileName),
		pid:        lockfile.NewPIDFile(filepath.Join(root, pidFileName)),
		logger:     logger,
		metrics:    metrics,
		instances:  newInstanceCache(),
	}
	d.initHandlers()
	return d, nil
}

// SocketPath returns the daemon's listen path.
func (d *Daemon) SocketPath() string { return d.socketPath }

// Run serves until the context is canceled or Shutdown is called.
func (d *Daemon) Run(ctx context.Context) error {
	pid, err := d.pid.Acquire()
	if err != nil {
		if errors.Is(err, lockfile.ErrLockBusy) {
			return fmt.Errorf("daemon already running (pid %d)", pid)
		}
		return err
	}
	defer d.pid.Release()

	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", d.socketPath, err)
	}
	if err := os.Chmod(d.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}
	d.listener = listener

	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()
	d.logger.Printf("daemon listening on %s (pid %d)", d.socketPath, pid)

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error {
		<-gctx.Done()
		listener.Close()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				default:
					d.logger.Printf("accept: %v", err)
					continue
				}
			}
			g.Go(func() error {
				d.serveConn(gctx, conn)
				return nil
			})
		}
	})

	err = g.Wait()
	d.instances.closeAll()
	os.Remove(d.socketPath)
	d.logger.Printf("daemon stopped")
	return err
}

// Shutdown stops the daemon. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return
	}
	d.shutdown = true
	if d.cancel != nil {
		d.cancel()
	}
}

// serveConn handles one connection's request stream.
func (d *Daemon) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, err := rpc.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, rpc.ErrMessageTooLarge) {
				// The unread body leaves the stream out of sync; answer,
				// then drop the connection.
				d.respond(conn, rpc.Fail("", err))
			}
			return
		}

		var req rpc.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			resp := rpc.Fail("", fmt.Errorf("invalid request: %w", err))
			resp.Error.Code = rpc.CodeProtocolError
			d.respond(conn, resp)
			continue
		}
		d.respond(conn, d.handleRequest(ctx, &req))

		if req.Cmd == rpc.CmdShutdown {
			d.Shutdown()
			return
		}
	}
}

func (d *Daemon) respond(conn net.Conn, resp *rpc.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		d.logger.Printf("marshaling response: %v", err)
		return
	}
	if err := rpc.WriteFrame(conn, payload); err != nil {
		d.logger.Printf("writing response: %v", err)
	}
}

// handleRequest dispatches to the command handler and instruments the
// call.
func (d *Daemon) handleRequest(ctx context.Context, req *rpc.Request) *rpc.Response {
	start := time.Now()
	handler, ok := d.handlers[req.Cmd]
	if !ok {
		err := fmt.Errorf("unknown command: %s", req.Cmd)
		resp := rpc.Fail(req.ID, err)
		resp.Error.Code = rpc.CodeInvalidRequest
		return resp
	}

	d.metrics.Requests.Add(ctx, 1)
	data, err := handler(ctx, req.Args)
	if err != nil {
		d.metrics.Errors.Add(ctx, 1)
		d.logger.Printf("%s failed in %s: %v", req.Cmd, time.Since(start).Round(time.Microsecond), err)
		return rpc.Fail(req.ID, err)
	}
	d.logger.Printf("%s ok in %s", req.Cmd, time.Since(start).Round(time.Microsecond))
	return rpc.OK(req.ID, data)
}
