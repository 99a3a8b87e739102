package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/riscvm/riscvm/rvgo/cmd"
)

func main() {
	app := cli.NewApp()
	app.Name = "riscvm"
	app.Usage = "RISC-V Linux user-mode process emulator"
	app.Description = "Load RV64 programs into a JSON process state and serve their Linux system calls"
	app.Commands = []*cli.Command{
		cmd.LoadELFCommand,
		cmd.TrapCommand,
		cmd.StackCommand,
		cmd.WitnessCommand,
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			<-c
			cancel()
			fmt.Println("\r\nExiting...")
		}
	}()

	err := app.RunContext(ctx, os.Args)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			_, _ = fmt.Fprintf(os.Stderr, "command interrupted")
			os.Exit(130)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v", err)
			os.Exit(1)
		}
	}
}
