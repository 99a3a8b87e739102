package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/pkg/profile"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/riscvm/riscvm/rvgo/emu"
)

var OutFilePerm = os.FileMode(0o755)

// guestStreams returns where the program's stdout and stderr go.
func guestStreams(ctx *cli.Context, l log.Logger) (stdOut, stdErr io.Writer) {
	if ctx.Bool(LogGuestOutputFlag.Name) {
		return &LoggingWriter{Name: "program std-out", Log: l}, &LoggingWriter{Name: "program std-err", Log: l}
	}
	return os.Stdout, os.Stderr
}

// Trap performs the syscall pending in the registers of the input state, as
// if the program had just executed ecall, and writes the resulting state.
func Trap(ctx *cli.Context) error {
	if ctx.Bool(PProfCPUFlag.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}
	l, err := LoggerFromCLI(ctx)
	if err != nil {
		return err
	}
	cfg, err := ConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	state, err := jsonutil.LoadJSON[emu.VMState](ctx.Path(InputFlag.Name))
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	var stdIn io.Reader = os.Stdin
	if p := ctx.Path(StdinFlag.Name); p != "" {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open stdin file: %w", err)
		}
		defer f.Close()
		stdIn = f
	}
	stdOut, stdErr := guestStreams(ctx, l)

	us := emu.NewInstrumentedState(state, cfg, stdIn, stdOut, stdErr, l)
	req := state.SyscallRequest()
	res, err := us.Trap()
	if err != nil {
		return fmt.Errorf("failed to handle %s at step %d (PC: %016x): %w", req, state.Step, state.PC, err)
	}
	l.Info("trap handled",
		"num", req.Num,
		"result", res,
		"a0", HexU64(state.SyscallReturn()),
		"pc", HexU64(state.PC),
		"pages", state.Memory.PageCount(),
		"mem", state.Memory.Usage(),
	)

	if err := jsonutil.WriteJSON(ctx.Path(TrapOutputFlag.Name), state, OutFilePerm); err != nil {
		return fmt.Errorf("failed to write state output: %w", err)
	}
	return nil
}

var TrapCommand = &cli.Command{
	Name:        "trap",
	Usage:       "Handle the pending syscall of a JSON state",
	Description: "Handle the syscall selected by a7 with arguments a0..a5 of a JSON state, and write the updated state. Program output goes to the process stdout and stderr.",
	Action:      Trap,
	Flags: append([]cli.Flag{
		InputFlag,
		TrapOutputFlag,
		StdinFlag,
		LogGuestOutputFlag,
		PProfCPUFlag,
		LogLevelFlag,
	}, ConfigFlags...),
}
