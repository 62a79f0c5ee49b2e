//go:build unix

// Package rpc implements a minimal synchronous RPC layer for driving an
// isolated worker process as if its functions were local.
//
// The client side issues one request at a time over a framed unix-socket
// channel (package wire) and blocks for the reply. The service side runs in
// the worker, dispatching requests against a registry of named modules. A
// crash of the worker never takes down the caller: any transport failure
// permanently marks the client as crashed and surfaces as ErrCrashed.
package rpc

import (
	"fmt"

	"go.uber.org/zap"
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named("rpc")
}
