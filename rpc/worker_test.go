//go:build unix

package rpc

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/minrpc/minrpc/ipc"
)

const helperEnv = "MINRPC_WORKER_HELPER"

// TestHelperWorker is not a test: it is the worker process used by the spawn
// and fork tests, following the stdlib's helper-process idiom. The test
// binary re-executes itself with -test.run targeting this function; the
// descriptor number arrives after the "--" terminator, optionally preceded
// by --forked.
func TestHelperWorker(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process only")
	}

	args := flag.Args()
	forked := false
	if len(args) > 0 && args[0] == "--forked" {
		forked = true
		args = args[1:]
	}
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "helper: want exactly one descriptor argument, got %v\n", args)
		os.Exit(1)
	}
	fd, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "helper: parsing descriptor: %v\n", err)
		os.Exit(1)
	}

	err = RunWorker(fd, forked, helperRegistry(),
		WithForkCommand(os.Args[0], "-test.run=TestHelperWorker", "--", "--forked"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "helper: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func helperRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("math", Module{
		"add": func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("want 2 arguments, got %d", len(args))
			}
			a, aok := args[0].(int)
			b, bok := args[1].(int)
			if !aok || !bok {
				return nil, &ValueError{msg: fmt.Sprintf("not integers: %T, %T", args[0], args[1])}
			}
			return a + b, nil
		},
	})
	reg.Register("proc", Module{
		"pid": func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return os.Getpid(), nil
		},
	})
	reg.Register("boom", Module{
		"value": func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return nil, &ValueError{msg: "bad"}
		},
	})
	return reg
}

func spawnTestWorker(t *testing.T, opts ...SpawnOption) *Client {
	t.Helper()
	opts = append(opts,
		WithSpawnOptions(ipc.WithEnv(append(os.Environ(), helperEnv+"=1"))))
	client, err := Spawn(
		[]string{os.Args[0], "-test.run=TestHelperWorker", "--"},
		opts...,
	)
	require.NoError(t, err)
	return client
}

func TestSpawnCallClose(t *testing.T) {
	client := spawnTestWorker(t)
	pid := client.Pid()
	require.NotZero(t, pid)
	require.True(t, client.Good())

	sum, err := client.Module("math").Call("add", 2, 3)
	require.NoError(t, err)
	require.Equal(t, 5, sum)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	// The worker was reaped, not left as a zombie.
	require.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH)

	_, err = client.Module("math").Call("add", 1, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSpawnedWorkerException(t *testing.T) {
	client := spawnTestWorker(t)
	defer client.Close()

	_, err := client.Module("boom").Call("value")
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, err.Error(), "ValueError")
	assert.Contains(t, err.Error(), "bad")
}

func TestForkedClientsAreIndependent(t *testing.T) {
	client := spawnTestWorker(t)
	defer client.Close()

	forked, err := client.Fork()
	require.NoError(t, err)
	require.NotZero(t, forked.Pid())
	require.NotEqual(t, client.Pid(), forked.Pid())

	// Each client talks to its own process.
	origPid, err := client.Module("proc").Call("pid")
	require.NoError(t, err)
	require.Equal(t, client.Pid(), origPid)

	forkPid, err := forked.Module("proc").Call("pid")
	require.NoError(t, err)
	require.Equal(t, forked.Pid(), forkPid)

	sum, err := forked.Module("math").Call("add", 20, 3)
	require.NoError(t, err)
	require.Equal(t, 23, sum)

	require.NoError(t, forked.Close())

	// The original worker is unaffected by the duplicate going away.
	sum, err = client.Module("math").Call("add", 2, 3)
	require.NoError(t, err)
	require.Equal(t, 5, sum)
}

func TestForkOfFork(t *testing.T) {
	client := spawnTestWorker(t)
	defer client.Close()

	first, err := client.Fork()
	require.NoError(t, err)
	defer first.Close()

	second, err := first.Fork()
	require.NoError(t, err)
	defer second.Close()

	pids := map[int]bool{client.Pid(): true, first.Pid(): true, second.Pid(): true}
	require.Len(t, pids, 3)

	sum, err := second.Module("math").Call("add", 40, 2)
	require.NoError(t, err)
	require.Equal(t, 42, sum)
}

func TestSpawnWithClientLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()

	client := spawnTestWorker(t, WithClientOptions(WithClientLogger(logger)))
	defer client.Close()

	// The option reaches the spawned client, so the spawn itself is
	// already on the supplied logger.
	require.NotZero(t, logs.FilterMessage("spawned worker").Len())
}
