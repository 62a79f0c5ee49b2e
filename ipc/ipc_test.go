//go:build unix

package ipc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpawnEmptyArgv(t *testing.T) {
	_, _, err := Spawn(nil)
	require.ErrorContains(t, err, "empty argv")
}

func TestSpawnMissingBinary(t *testing.T) {
	_, _, err := Spawn([]string{"/nonexistent/minrpc-worker"})
	require.ErrorContains(t, err, "starting worker")
}

func TestSpawnHandshakeFailure(t *testing.T) {
	// Re-exec the test binary with a run filter matching nothing: it exits
	// without ever speaking the worker protocol, so the handshake must
	// fail hard instead of hanging or succeeding.
	_, _, err := Spawn(
		[]string{os.Args[0], "-test.run=TestDefinitelyAbsent", "--"},
		WithoutStdout(),
	)
	require.ErrorContains(t, err, "spawn handshake")
}

func TestOpenPlatformHandlesEmpty(t *testing.T) {
	require.Empty(t, openPlatformHandles())
}
