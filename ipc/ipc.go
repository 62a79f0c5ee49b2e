//go:build unix

// Package ipc launches worker subprocesses and prepares a freshly launched
// worker for RPC with its parent.
//
// The launcher creates a connected socketpair, places the remote end in the
// child's inherited descriptor table, and appends the resulting descriptor
// number as the last command-line argument. After the child starts, the two
// sides run a short handshake: the parent sends the list of extra platform
// handles the child must close (always empty on POSIX, the slot exists for
// wire compatibility with handle-inheriting platforms), and the child
// acknowledges with the literal "ready" once its descriptor table is clean.
package ipc

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/minrpc/minrpc/internal/fdset"
	"github.com/minrpc/minrpc/wire"
)

const loggerName = "ipc"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// workerFD is the descriptor number at which the remote socket end appears in
// the child: exec places ExtraFiles starting right after stderr.
const workerFD = 3

type spawnConfig struct {
	log    *zap.SugaredLogger
	env    []string
	stdin  bool
	stdout bool
	stderr bool
}

// SpawnOption customizes Spawn.
type SpawnOption func(c *spawnConfig)

// WithLogger sets the logger used during spawning.
func WithLogger(l *zap.SugaredLogger) SpawnOption {
	return func(c *spawnConfig) {
		c.log = l.Named(loggerName)
	}
}

// WithEnv sets the child's environment. The default is to inherit the
// parent's.
func WithEnv(env []string) SpawnOption {
	return func(c *spawnConfig) {
		c.env = env
	}
}

// WithoutStdin detaches the child's stdin, redirecting it to the null device.
func WithoutStdin() SpawnOption {
	return func(c *spawnConfig) {
		c.stdin = false
	}
}

// WithoutStdout redirects the child's stdout to the null device.
func WithoutStdout() SpawnOption {
	return func(c *spawnConfig) {
		c.stdout = false
	}
}

// WithoutStderr redirects the child's stderr to the null device.
func WithoutStderr() SpawnOption {
	return func(c *spawnConfig) {
		c.stderr = false
	}
}

// Spawn starts argv as a new worker process connected to this one by a
// socketpair, appending the worker's descriptor number as the last argument.
// It blocks until the worker acknowledges readiness.
//
// On success the returned Conn is the parent's endpoint and the process
// handle belongs to the caller, who must eventually signal and reap it. The
// parent's copy of the remote endpoint is closed before returning: ownership
// of it has transferred to the child.
func Spawn(argv []string, opts ...SpawnOption) (*wire.Conn, *os.Process, error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("spawning worker: empty argv")
	}
	cfg := &spawnConfig{
		log:    defaultLogger,
		stdin:  true,
		stdout: true,
		stderr: true,
	}
	for _, o := range opts {
		o(cfg)
	}

	local, remote, err := wire.Pair()
	if err != nil {
		return nil, nil, fmt.Errorf("creating IPC socketpair: %w", err)
	}

	args := append(append([]string{}, argv[1:]...), strconv.Itoa(workerFD))
	cmd := exec.Command(argv[0], args...)
	cmd.ExtraFiles = []*os.File{remote}
	cmd.Env = cfg.env
	// A nil stdio stream is connected to the null device by exec.
	if cfg.stdin {
		cmd.Stdin = os.Stdin
	}
	if cfg.stdout {
		cmd.Stdout = os.Stdout
	}
	if cfg.stderr {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		remote.Close()
		local.Close()
		return nil, nil, fmt.Errorf("starting worker: %w", err)
	}
	cfg.log.Debugw("worker started", "pid", cmd.Process.Pid, "argv", argv)

	if err := handshake(local); err != nil {
		remote.Close()
		local.Close()
		cmd.Process.Kill()
		cmd.Process.Wait()
		return nil, nil, fmt.Errorf("spawn handshake with pid %d: %w", cmd.Process.Pid, err)
	}

	// The child owns the remote endpoint now; drop the parent's copy.
	if err := remote.Close(); err != nil {
		cfg.log.Debugw("closing remote endpoint copy", "error", err)
	}
	return local, cmd.Process, nil
}

// handshake sends the extra-handle list and waits for the worker's ready
// acknowledgment.
func handshake(conn *wire.Conn) error {
	if err := conn.Send(&wire.Message{Kind: wire.KindData, Args: []interface{}{openPlatformHandles()}}); err != nil {
		return fmt.Errorf("sending handle list: %w", err)
	}
	reply, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("waiting for ready: %w", err)
	}
	if reply.Kind != wire.KindData || len(reply.Args) != 1 || reply.Args[0] != wire.Ready {
		return fmt.Errorf("unexpected ready reply %+v", reply)
	}
	return nil
}

// openPlatformHandles returns the platform handles still open in the parent
// that the child cannot close by descriptor number. Descriptor inheritance on
// POSIX is fully expressed by the descriptor table, so the list is empty; the
// protocol slot is kept so both sides agree on the handshake shape.
func openPlatformHandles() []int {
	return []int{}
}

// PrepareWorker runs inside a freshly spawned worker process. It rebuilds the
// parent connection from the descriptor number passed on the command line,
// closes every inherited descriptor other than stdio and the IPC socket,
// closes the extra platform handles announced by the parent, and
// acknowledges readiness.
func PrepareWorker(fd int) (*wire.Conn, error) {
	ignoreParentSignals()
	fdset.CloseAllBut([]int{
		int(os.Stdin.Fd()),
		int(os.Stdout.Fd()),
		int(os.Stderr.Fd()),
		fd,
	})
	conn, err := wire.FromFD(fd)
	if err != nil {
		return nil, fmt.Errorf("rebuilding parent connection: %w", err)
	}
	msg, err := conn.Recv()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("receiving handle list: %w", err), conn.Close())
	}
	if msg.Kind == wire.KindData && len(msg.Args) == 1 {
		if handles, ok := msg.Args[0].([]int); ok {
			for _, h := range handles {
				syscall.Close(h)
			}
		}
	}
	if err := conn.Send(&wire.Message{Kind: wire.KindData, Args: []interface{}{wire.Ready}}); err != nil {
		return nil, multierr.Append(fmt.Errorf("acknowledging readiness: %w", err), conn.Close())
	}
	return conn, nil
}

// PrepareForked runs inside a process created by the fork protocol. The new
// endpoint was transferred to the forking worker and inherited from it; no
// handle-list handshake happens on this path, since the peer on the other
// side of fd is the client, not the process that spawned us.
func PrepareForked(fd int) (*wire.Conn, error) {
	ignoreParentSignals()
	fdset.CloseAllBut([]int{
		int(os.Stdin.Fd()),
		int(os.Stdout.Fd()),
		int(os.Stderr.Fd()),
		fd,
	})
	conn, err := wire.FromFD(fd)
	if err != nil {
		return nil, fmt.Errorf("rebuilding client connection: %w", err)
	}
	return conn, nil
}

// ignoreParentSignals detaches the worker from signals aimed at the
// controlling process. An interrupt delivered to the parent's process group
// must not kill the worker while the parent still needs it for cleanup, and
// a vanished peer should surface as EPIPE on the socket rather than SIGPIPE.
func ignoreParentSignals() {
	signal.Ignore(os.Interrupt, syscall.SIGPIPE)
}
