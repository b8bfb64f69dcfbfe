package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/abilian/abilian-core/internal/cli"
	"github.com/abilian/abilian-core/internal/common/logtrace"
)

func init() {
	logtrace.InitLogger("info", true)
}

func main() {
	if err := run(context.Background()); err != nil {
		os.Exit(1)
	}
}

// run executes the command line, cancelling it on SIGINT or SIGTERM.
func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cli.Execute(ctx, os.Args[1:])
}
