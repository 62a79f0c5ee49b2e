//go:build unix

package rpc

import (
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/minrpc/minrpc/ipc"
	"github.com/minrpc/minrpc/wire"
)

// RunWorker does the full job of a worker process: it prepares the IPC
// channel from the descriptor number passed on the command line and serves
// reg on it until the client disconnects. With forked set, the process was
// created by the fork protocol: the readiness handshake is skipped and the
// worker instead announces its own pid on the channel before serving.
func RunWorker(fd int, forked bool, reg *Registry, opts ...ServiceOption) error {
	var (
		conn *wire.Conn
		err  error
	)
	if forked {
		conn, err = ipc.PrepareForked(fd)
	} else {
		conn, err = ipc.PrepareWorker(fd)
	}
	if err != nil {
		return fmt.Errorf("preparing worker: %w", err)
	}
	defer conn.Close()

	if forked {
		announce := &wire.Message{Kind: wire.KindData, Args: []interface{}{os.Getpid()}}
		if err := conn.Send(announce); err != nil {
			return multierr.Append(fmt.Errorf("announcing pid: %w", err), conn.Close())
		}
	}

	s := NewService(conn, reg, opts...)
	return s.Run()
}
