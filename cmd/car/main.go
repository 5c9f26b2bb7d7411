// Command car is the codex-autorunner command front: a thin consumer of the
// engine, hub, and flow-store operation surface. It owns argument parsing
// and exit-code mapping and nothing else.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codex-autorunner/car/internal/config"
)

// Exit codes. Config errors get a distinct code for scripting.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(ctx, os.Args[2:])
	case "status":
		err = cmdStatus(ctx, os.Args[2:])
	case "start":
		err = cmdStart(ctx, os.Args[2:])
	case "step":
		err = cmdStep(ctx, os.Args[2:])
	case "stop":
		err = cmdStop(ctx, os.Args[2:])
	case "resume":
		err = cmdResume(ctx, os.Args[2:])
	case "archive":
		err = cmdArchive(ctx, os.Args[2:])
	case "events":
		err = cmdEvents(ctx, os.Args[2:])
	case "tickets":
		err = cmdTickets(ctx, os.Args[2:])
	case "hub":
		err = cmdHub(ctx, os.Args[2:])
	case "worktree":
		err = cmdWorktree(ctx, os.Args[2:])
	case "doctor":
		err = cmdDoctor(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(exitError)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "car: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  car init [--hub]")
	fmt.Fprintln(os.Stderr, "  car status [--json]")
	fmt.Fprintln(os.Stderr, "  car start [--force-new] [--watch]")
	fmt.Fprintln(os.Stderr, "  car step")
	fmt.Fprintln(os.Stderr, "  car stop [--run <id>]")
	fmt.Fprintln(os.Stderr, "  car resume [--run <id>]")
	fmt.Fprintln(os.Stderr, "  car archive --run <id>")
	fmt.Fprintln(os.Stderr, "  car events --run <id> [--after <seq>] [--types a,b] [--follow]")
	fmt.Fprintln(os.Stderr, "  car tickets list")
	fmt.Fprintln(os.Stderr, "  car hub scan")
	fmt.Fprintln(os.Stderr, "  car hub list [--json]")
	fmt.Fprintln(os.Stderr, "  car hub start <repo_id> [--force-new]")
	fmt.Fprintln(os.Stderr, "  car hub stop <repo_id> [--run <id>]")
	fmt.Fprintln(os.Stderr, "  car hub resume <repo_id> [--run <id>]")
	fmt.Fprintln(os.Stderr, "  car hub run [--repos a,b] [--force-new]")
	fmt.Fprintln(os.Stderr, "  car worktree create --base <repo_id> --branch <branch> [--name <dir>]")
	fmt.Fprintln(os.Stderr, "  car worktree cleanup <repo_id> [--force] [--force-archive]")
	fmt.Fprintln(os.Stderr, "  car doctor")
}

// exitCodeFor maps an error onto the documented exit codes: configuration
// problems are distinguishable from everything else.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if config.IsConfigError(err) || errors.Is(err, config.ErrNoWorkspace) {
		return exitConfig
	}
	return exitError
}

// flagValue pulls the value of args[*i] into out, advancing past it. The
// flag name is only used for the error message.
func flagValue(args []string, i *int, name string, out *string) error {
	*i++
	if *i >= len(args) {
		return fmt.Errorf("%s requires a value", name)
	}
	*out = args[*i]
	return nil
}
