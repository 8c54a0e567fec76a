// Command noetl runs the NoETL execution plane: the control server, the
// worker runtime and the operator verbs that drive executions over the
// control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/playbook"
)

// Exit codes reported by every subcommand.
const (
	exitOK         = 0
	exitFailure    = 1
	exitValidation = 2
	exitNotFound   = 3
	exitConnection = 4
	exitAuth       = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitValidation
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "server":
		err = cmdServer(ctx, args[1:])
	case "worker":
		err = cmdWorker(ctx, args[1:])
	case "register":
		err = cmdRegister(ctx, args[1:])
	case "run":
		err = cmdRun(ctx, args[1:])
	case "status":
		err = cmdStatus(ctx, args[1:])
	case "cancel":
		err = cmdCancel(ctx, args[1:])
	case "events":
		err = cmdEvents(ctx, args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "noetl: unknown command %q\n", args[0])
		usage()
		return exitValidation
	}
	if err == nil {
		return exitOK
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "noetl: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps an error to the documented exit codes: validation errors
// are 2, missing playbooks or executions 3, unreachable servers 4 and
// everything else 1.
func exitCode(err error) int {
	var (
		verr   *playbook.ValidationError
		urlErr *url.Error
	)
	switch {
	case errors.As(err, &verr):
		return exitValidation
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, event.ErrNotFound):
		return exitNotFound
	case errors.As(err, &urlErr):
		return exitConnection
	case errors.Is(err, errUsage):
		return exitValidation
	default:
		return exitFailure
	}
}

// errUsage marks flag parsing and argument errors.
var errUsage = errors.New("invalid usage")

func usage() {
	fmt.Fprint(os.Stderr, `Usage: noetl <command> [flags]

Commands:
  server    run the control API and broker
  worker    run a worker against a control server
  register  register playbook files with the catalog
  run       start an execution and optionally wait for it to finish
  status    show an execution's status
  cancel    cancel a running execution
  events    dump an execution's event log

Run "noetl <command> -h" for command flags.
`)
}
