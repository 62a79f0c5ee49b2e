//go:build unix

package rpc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"reflect"
	"runtime/debug"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/minrpc/minrpc/wire"
)

// forkFD is the descriptor number at which the transferred endpoint appears
// in a fork duplicate, exec'd with it as the first extra file.
const forkFD = 3

// Service is the worker-side dispatch loop. It receives one request at a
// time, dispatches by kind, and replies on the same channel. Handler
// failures are caught and shipped back as exception replies; they never
// bring the worker down.
type Service struct {
	conn     *wire.Conn
	reg      *Registry
	log      *zap.SugaredLogger
	forkArgv []string
}

// ServiceOption customizes a Service.
type ServiceOption func(s *Service)

// WithServiceLogger sets the service's logger.
func WithServiceLogger(l *zap.SugaredLogger) ServiceOption {
	return func(s *Service) {
		s.log = l.Named("service")
	}
}

// WithForkCommand sets the command the service re-execs to duplicate itself
// when the client requests a fork. The transferred endpoint's descriptor
// number is appended as the last argument, exactly as in a spawn. The
// command must start a worker that calls RunWorker in forked mode.
//
// Without a configured fork command, fork requests fail with an exception
// reply.
func WithForkCommand(argv ...string) ServiceOption {
	return func(s *Service) {
		s.forkArgv = argv
	}
}

// NewService builds a service serving reg over conn.
func NewService(conn *wire.Conn, reg *Registry, opts ...ServiceOption) *Service {
	s := &Service{
		conn: conn,
		reg:  reg,
		log:  defaultLogger.Named("service"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run serves requests until the client closes the connection, a close
// request arrives, or the transport fails. A reply that cannot be delivered
// because the peer is already gone stops the loop silently; any other
// delivery failure is returned as fatal.
func (s *Service) Run() error {
	for {
		req, err := s.conn.Recv()
		if err != nil {
			s.log.Debugw("receive failed, stopping", "error", err)
			return nil
		}
		ok, err := s.dispatch(req)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// dispatch serves one request. It reports whether the loop should continue.
func (s *Service) dispatch(req *wire.Message) (bool, error) {
	switch req.Kind {
	case wire.KindClose:
		s.log.Debug("close requested")
		s.conn.Close()
		return false, nil
	case wire.KindFork:
		return s.handleFork()
	case wire.KindFunctionCall:
		val, rerr := s.callFunction(req.Args)
		if rerr != nil {
			return s.replyException(rerr)
		}
		return s.replyData(val)
	default:
		return s.replyException(&RemoteError{
			Type:  "rpc.UnknownRequest",
			Trace: fmt.Sprintf("unknown request kind %q", req.Kind),
		})
	}
}

// callFunction resolves and invokes a registered function, converting any
// failure, including a panic, into a RemoteError.
func (s *Service) callFunction(args []interface{}) (val interface{}, rerr *RemoteError) {
	defer func() {
		if r := recover(); r != nil {
			rerr = &RemoteError{
				Type:  typeName(r),
				Trace: fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack()),
			}
		}
	}()

	module, function, posArgs, kwargs, err := parseCall(args)
	if err != nil {
		return nil, &RemoteError{Type: typeName(err), Trace: err.Error()}
	}
	f, err := s.reg.Lookup(module, function)
	if err != nil {
		return nil, &RemoteError{Type: typeName(err), Trace: err.Error()}
	}
	val, err = f(posArgs, kwargs)
	if err != nil {
		return nil, &RemoteError{Type: typeName(err), Trace: err.Error()}
	}
	return val, nil
}

func parseCall(args []interface{}) (module, function string, posArgs []interface{}, kwargs map[string]interface{}, err error) {
	if len(args) != 4 {
		return "", "", nil, nil, fmt.Errorf("function_call needs 4 args, got %d", len(args))
	}
	module, ok := args[0].(string)
	if !ok {
		return "", "", nil, nil, fmt.Errorf("function_call module is %T, want string", args[0])
	}
	function, ok = args[1].(string)
	if !ok {
		return "", "", nil, nil, fmt.Errorf("function_call function is %T, want string", args[1])
	}
	posArgs, _ = args[2].([]interface{})
	kwargs, _ = args[3].(map[string]interface{})
	return module, function, posArgs, kwargs, nil
}

// handleFork implements the two-phase fork protocol. The worker acknowledges
// the request, receives the fresh endpoint, starts a duplicate of itself
// bound to it, and confirms with the ready sentinel on the old channel. The
// duplicate announces its own pid on the new channel once it is up.
func (s *Service) handleFork() (bool, error) {
	// Refuse before the ack. After the ack the client stops reading the
	// old channel and waits on the new one, so a refusal sent there would
	// never be seen.
	if len(s.forkArgv) == 0 {
		return s.replyException(&RemoteError{
			Type:  "rpc.ForkUnsupported",
			Trace: "fork requested but no fork command is configured",
		})
	}
	if ok, err := s.replyData(nil); !ok {
		return ok, err
	}
	fd, err := s.conn.RecvFD()
	if err != nil {
		return false, fmt.Errorf("receiving fork endpoint: %w", err)
	}

	endpoint := os.NewFile(uintptr(fd), "minrpc-fork-endpoint")
	args := append(append([]string{}, s.forkArgv[1:]...), strconv.Itoa(forkFD))
	cmd := exec.Command(s.forkArgv[0], args...)
	cmd.ExtraFiles = []*os.File{endpoint}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		endpoint.Close()
		return false, fmt.Errorf("starting fork duplicate: %w", err)
	}
	// The duplicate owns the endpoint now; reap it whenever it exits.
	endpoint.Close()
	go cmd.Wait()
	s.log.Debugw("started fork duplicate", "pid", cmd.Process.Pid)

	return s.replyData(wire.Ready)
}

func (s *Service) replyData(v interface{}) (bool, error) {
	args := []interface{}{}
	if v != nil {
		args = append(args, v)
	}
	return s.reply(&wire.Message{Kind: wire.KindData, Args: args})
}

func (s *Service) replyException(rerr *RemoteError) (bool, error) {
	s.log.Debugw("handler failed", "type", rerr.Type)
	return s.reply(&wire.Message{Kind: wire.KindException, Args: []interface{}{rerr.Type, rerr.Trace}})
}

// reply delivers one response. A peer that vanished between request and
// reply stops the loop without error; any other delivery failure is fatal.
func (s *Service) reply(m *wire.Message) (bool, error) {
	err := s.conn.Send(m)
	if err == nil {
		return true, nil
	}
	if s.conn.Closed() || peerGone(err) {
		s.log.Debugw("peer gone before reply", "error", err)
		return false, nil
	}
	return false, fmt.Errorf("sending reply: %w", err)
}

func peerGone(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// typeName names the value's type for an exception reply, without pointer
// indirections.
func typeName(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}
