package cmd

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"

	"github.com/riscvm/riscvm/rvgo/emu"
)

const envVarPrefix = "RISCVM"

func prefixEnvVars(name string) []string {
	return opservice.PrefixEnvVar(envVarPrefix, name)
}

var (
	LogLevelFlag = &cli.StringFlag{
		Name:    "log.level",
		Usage:   "The lowest log level that will be output: trace, debug, info, warn, error, crit",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
	}
	UnsupportedFlag = &cli.StringFlag{
		Name:    "unsupported",
		Usage:   "What to do on a syscall without handler: fatal stops emulation, enosys returns -ENOSYS to the program",
		Value:   emu.UnsupportedFatal.String(),
		EnvVars: prefixEnvVars("UNSUPPORTED"),
	}
	PIDFlag = &cli.Uint64Flag{
		Name:    "pid",
		Usage:   "Process ID reported by getpid and gettid",
		Value:   1,
		EnvVars: prefixEnvVars("PID"),
	}
	StackTopFlag = &cli.Uint64Flag{
		Name:    "stack.top",
		Usage:   "End of the stack region, page aligned",
		Value:   emu.DefaultStackTop,
		EnvVars: prefixEnvVars("STACK_TOP"),
	}
	StackSizeFlag = &cli.Uint64Flag{
		Name:    "stack.size",
		Usage:   "Size of the stack region in bytes",
		Value:   emu.DefaultStackSize,
		EnvVars: prefixEnvVars("STACK_SIZE"),
	}
	MmapBaseFlag = &cli.Uint64Flag{
		Name:    "mmap.base",
		Usage:   "Lowest address handed out by anonymous mmap",
		Value:   emu.DefaultMmapBase,
		EnvVars: prefixEnvVars("MMAP_BASE"),
	}
	MmapLimitFlag = &cli.Uint64Flag{
		Name:    "mmap.limit",
		Usage:   "End of the anonymous mmap window",
		Value:   emu.DefaultMmapLimit,
		EnvVars: prefixEnvVars("MMAP_LIMIT"),
	}

	LoadELFPathFlag = &cli.PathFlag{
		Name:      "path",
		Usage:     "Path to 64-bit RISC-V ELF file",
		TakesFile: true,
		Required:  true,
	}
	LoadELFOutFlag = &cli.PathFlag{
		Name:     "out",
		Usage:    "Output path to write JSON state to. State is dumped to stdout if set to '-'.",
		Value:    "state.json",
		Required: false,
	}
	LoadELFEnvFlag = &cli.StringSliceFlag{
		Name:  "env",
		Usage: "Environment entry KEY=VALUE placed on the initial stack, may be repeated",
	}
	LoadELFRandomFlag = &cli.StringFlag{
		Name:  "random",
		Usage: "16 hex-encoded bytes for AT_RANDOM. Drawn from the host when empty.",
	}

	InputFlag = &cli.PathFlag{
		Name:      "input",
		Usage:     "Path of input JSON state.",
		TakesFile: true,
		Value:     "state.json",
	}
	TrapOutputFlag = &cli.PathFlag{
		Name:      "output",
		Usage:     "Path of output JSON state. Not written if empty, use '-' to write to stdout.",
		TakesFile: true,
		Value:     "out.json",
	}
	StdinFlag = &cli.PathFlag{
		Name:      "stdin",
		Usage:     "File served to the program's read(0, ...). Stdin of this process when empty.",
		TakesFile: true,
	}
	LogGuestOutputFlag = &cli.BoolFlag{
		Name:  "log.guest-output",
		Usage: "Route program stdout and stderr through the logger instead of the process streams",
	}
	PProfCPUFlag = &cli.BoolFlag{
		Name:  "pprof.cpu",
		Usage: "enable pprof cpu profiling",
	}
	ReportOutputFlag = &cli.PathFlag{
		Name:      "output",
		Usage:     "Path to write the result JSON to. Not written if empty, use '-' to write to stdout.",
		TakesFile: true,
		Value:     "-",
	}
)

// ConfigFlags configure the emulated process.
var ConfigFlags = []cli.Flag{
	UnsupportedFlag,
	PIDFlag,
	StackTopFlag,
	StackSizeFlag,
	MmapBaseFlag,
	MmapLimitFlag,
}

// ConfigFromCLI reads ConfigFlags into an emu.Config.
func ConfigFromCLI(ctx *cli.Context) (emu.Config, error) {
	policy, err := emu.ParseUnsupportedPolicy(ctx.String(UnsupportedFlag.Name))
	if err != nil {
		return emu.Config{}, err
	}
	cfg := emu.Config{
		Unsupported: policy,
		StackTop:    ctx.Uint64(StackTopFlag.Name),
		StackSize:   ctx.Uint64(StackSizeFlag.Name),
		MmapBase:    ctx.Uint64(MmapBaseFlag.Name),
		MmapLimit:   ctx.Uint64(MmapLimitFlag.Name),
		PID:         ctx.Uint64(PIDFlag.Name),
	}
	if err := cfg.Check(); err != nil {
		return emu.Config{}, fmt.Errorf("invalid process config: %w", err)
	}
	return cfg, nil
}

// LoggerFromCLI builds the stderr logger from --log.level.
func LoggerFromCLI(ctx *cli.Context) (log.Logger, error) {
	lvl, err := ParseLevel(ctx.String(LogLevelFlag.Name))
	if err != nil {
		return nil, err
	}
	return Logger(os.Stderr, lvl), nil
}
