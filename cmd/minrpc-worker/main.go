//go:build unix

// Command minrpc-worker is a demo worker process. A controlling process
// spawns it with the IPC descriptor number as the last argument and can then
// call into its registered modules:
//
//	client, _ := rpc.Spawn([]string{"minrpc-worker"})
//	sum, _ := client.Module("math").Call("add", 2, 3)
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/minrpc/minrpc/rpc"
)

func main() {
	app := &cli.App{
		Name:      "minrpc-worker",
		Usage:     "serve RPC requests from a controlling process",
		ArgsUsage: "<descriptor-number>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:   "forked",
				Usage:  "Run as a fork duplicate: skip the spawn handshake and announce the pid.",
				Hidden: true,
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return fmt.Errorf("expected exactly one argument, the IPC descriptor number")
			}
			fd, err := strconv.Atoi(ctx.Args().First())
			if err != nil {
				return fmt.Errorf("parsing descriptor number %q: %w", ctx.Args().First(), err)
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving own executable: %w", err)
			}

			reg := rpc.NewRegistry()
			reg.Register("math", mathModule())

			return rpc.RunWorker(fd, ctx.Bool("forked"), reg,
				rpc.WithForkCommand(exe, "--forked"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// mathModule exposes basic arithmetic, mostly as a smoke-test surface for
// driving the worker.
func mathModule() rpc.Module {
	binop := func(f func(a, b float64) (interface{}, error)) rpc.Func {
		return func(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("want 2 arguments, got %d", len(args))
			}
			a, err := toFloat(args[0])
			if err != nil {
				return nil, err
			}
			b, err := toFloat(args[1])
			if err != nil {
				return nil, err
			}
			return f(a, b)
		}
	}
	return rpc.Module{
		"add": binop(func(a, b float64) (interface{}, error) { return a + b, nil }),
		"sub": binop(func(a, b float64) (interface{}, error) { return a - b, nil }),
		"mul": binop(func(a, b float64) (interface{}, error) { return a * b, nil }),
		"div": binop(func(a, b float64) (interface{}, error) {
			if b == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return a / b, nil
		}),
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
