//go:build unix

package rpc

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/minrpc/minrpc/ipc"
	"github.com/minrpc/minrpc/wire"
)

// Client is the caller-side endpoint of a worker connection.
//
// A Client is in one of three states. Open: requests flow normally. Closed:
// Close was called locally; requests fail with ErrClosed. Crashed: an I/O
// failure was observed; the state is terminal and requests fail with
// ErrCrashed. The mutex makes a single Client safe to share across
// goroutines, and is deliberately a shared pointer so that clients produced
// by Fork serialize against their siblings while both still reference the
// same lock; it never allows more than one outstanding request.
type Client struct {
	id   string
	conn *wire.Conn
	mu   *sync.Mutex
	good bool
	proc *os.Process
	log  *zap.SugaredLogger
}

// ClientOption customizes a Client.
type ClientOption func(c *Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// NewClient wraps an already-connected endpoint in a Client. Most callers
// use Spawn or Fork instead.
func NewClient(conn *wire.Conn, opts ...ClientOption) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		mu:   &sync.Mutex{},
		good: true,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = defaultLogger
	}
	c.log = c.log.Named("client").With("client_id", c.id)
	return c
}

// SpawnOption customizes Spawn. Options for the subprocess launch and for
// the resulting Client are wrapped separately, see WithSpawnOptions and
// WithClientOptions.
type SpawnOption func(cfg *spawnConfig)

type spawnConfig struct {
	ipcOpts    []ipc.SpawnOption
	clientOpts []ClientOption
}

// WithSpawnOptions forwards launch options to ipc.Spawn.
func WithSpawnOptions(opts ...ipc.SpawnOption) SpawnOption {
	return func(cfg *spawnConfig) {
		cfg.ipcOpts = append(cfg.ipcOpts, opts...)
	}
}

// WithClientOptions applies client options to the Client driving the spawned
// worker.
func WithClientOptions(opts ...ClientOption) SpawnOption {
	return func(cfg *spawnConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// Spawn starts argv as a worker subprocess and returns a Client driving it.
// The worker's process handle is owned by the returned Client and reaped on
// Close.
func Spawn(argv []string, opts ...SpawnOption) (*Client, error) {
	var cfg spawnConfig
	for _, o := range opts {
		o(&cfg)
	}
	conn, proc, err := ipc.Spawn(argv, cfg.ipcOpts...)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn, cfg.clientOpts...)
	c.proc = proc
	c.log.Debugw("spawned worker", "pid", proc.Pid)
	return c, nil
}

// Pid returns the worker's process ID, or 0 for a client that does not own a
// process.
func (c *Client) Pid() int {
	if c.proc == nil {
		return 0
	}
	return c.proc.Pid
}

// Good reports whether the client can still issue requests.
func (c *Client) Good() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.good && !c.conn.Closed()
}

// Request sends one (kind, args) request and blocks for the reply. Callers
// queue on the client's lock; the protocol itself is strictly one request at
// a time.
func (c *Client) Request(kind string, args ...interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestLocked(kind, args)
}

// requestLocked is Request with the lock already held.
func (c *Client) requestLocked(kind string, args []interface{}) (interface{}, error) {
	if !c.good {
		return nil, ErrCrashed
	}
	if c.conn.Closed() {
		return nil, ErrClosed
	}
	if args == nil {
		args = []interface{}{}
	}
	if err := c.conn.Send(&wire.Message{Kind: kind, Args: args}); err != nil {
		return nil, c.crash(err)
	}
	reply, err := c.conn.Recv()
	if err != nil {
		return nil, c.crash(err)
	}
	return c.dispatch(reply)
}

// crash marks the client permanently unusable after an I/O failure.
// Requires the lock.
func (c *Client) crash(cause error) error {
	c.good = false
	c.conn.Close()
	c.log.Warnw("worker connection failed", "error", cause)
	return fmt.Errorf("%w: %v", ErrCrashed, cause)
}

// dispatch unpacks a reply message: data replies yield their value,
// exception replies yield a RemoteError.
func (c *Client) dispatch(reply *wire.Message) (interface{}, error) {
	switch reply.Kind {
	case wire.KindData:
		if len(reply.Args) == 0 {
			return nil, nil
		}
		return reply.Args[0], nil
	case wire.KindException:
		if len(reply.Args) != 2 {
			return nil, fmt.Errorf("malformed exception reply with %d args", len(reply.Args))
		}
		typ, _ := reply.Args[0].(string)
		trace, _ := reply.Args[1].(string)
		return nil, &RemoteError{Type: typ, Trace: trace}
	default:
		return nil, fmt.Errorf("unexpected reply kind %q", reply.Kind)
	}
}

// Close shuts the client down: it asks the worker to stop (best effort),
// closes the transport, and signals and reaps the worker process if this
// client owns one. Close is idempotent; calling it again is a no-op.
// Requests made after Close fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var merr error
	if c.good && !c.conn.Closed() {
		// A worker that is already gone is fine; anything else on a
		// still-good connection is reported.
		if err := c.conn.Send(&wire.Message{Kind: wire.KindClose, Args: []interface{}{}}); err != nil {
			if peerGone(err) {
				c.log.Debugw("sending close request", "error", err)
			} else {
				merr = multierr.Append(merr, fmt.Errorf("sending close request: %w", err))
			}
		}
	}
	merr = multierr.Append(merr, c.conn.Close())

	if c.proc != nil {
		if err := c.proc.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
			c.log.Debugw("signaling worker", "pid", c.proc.Pid, "error", err)
		}
		// Reap the worker. A forked sibling's pid is not our child, and
		// the process may have exited on its own already; both are fine.
		if _, err := c.proc.Wait(); err != nil {
			c.log.Debugw("reaping worker", "pid", c.proc.Pid, "error", err)
		}
		c.proc = nil
	}
	return merr
}

// Fork duplicates the worker behind this client and rewires the duplicate
// onto a fresh channel, returning a new independent Client for it. The new
// client shares this client's lock, since both may be used by callers that
// still reference the same lock state.
func (c *Client) Fork() (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Phase one: ask the worker to fork. The immediate data reply only
	// acknowledges that the request was received.
	if _, err := c.requestLocked(wire.KindFork, nil); err != nil {
		return nil, err
	}

	// Phase two: hand the worker a fresh channel over the existing
	// connection.
	local, remote, err := wire.Pair()
	if err != nil {
		return nil, fmt.Errorf("creating fork socketpair: %w", err)
	}
	if err := c.conn.SendFD(int(remote.Fd())); err != nil {
		local.Close()
		remote.Close()
		return nil, c.crash(err)
	}

	// The duplicate announces its pid on the new channel.
	pidMsg, err := local.Recv()
	if err != nil {
		local.Close()
		remote.Close()
		return nil, c.crash(err)
	}
	pid, err := forkedPid(pidMsg)
	if err != nil {
		local.Close()
		remote.Close()
		return nil, err
	}

	// The original worker confirms on the old channel that it is back in
	// its dispatch loop.
	ack, err := c.conn.Recv()
	if err != nil {
		local.Close()
		remote.Close()
		return nil, c.crash(err)
	}
	if ack.Kind != wire.KindData || len(ack.Args) != 1 || ack.Args[0] != wire.Ready {
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("%w: %+v", ErrForkProtocol, ack)
	}

	// Ownership of the remote end transferred to the duplicate.
	remote.Close()

	forked := &Client{
		id:   uuid.NewString(),
		conn: local,
		mu:   c.mu,
		good: true,
		log:  defaultLogger,
	}
	forked.log = forked.log.Named("client").With("client_id", forked.id)
	if proc, err := os.FindProcess(pid); err == nil {
		forked.proc = proc
	}
	c.log.Debugw("forked worker", "pid", pid, "forked_client_id", forked.id)
	return forked, nil
}

func forkedPid(m *wire.Message) (int, error) {
	if m.Kind != wire.KindData || len(m.Args) != 1 {
		return 0, fmt.Errorf("%w: malformed pid announcement %+v", ErrForkProtocol, m)
	}
	pid, ok := m.Args[0].(int)
	if !ok {
		return 0, fmt.Errorf("%w: pid announcement carries %T", ErrForkProtocol, m.Args[0])
	}
	return pid, nil
}
