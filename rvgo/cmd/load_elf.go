package cmd

import (
	"debug/elf"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/riscvm/riscvm/rvgo/emu"
)

func LoadELF(ctx *cli.Context) error {
	l, err := LoggerFromCLI(ctx)
	if err != nil {
		return err
	}
	cfg, err := ConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	elfPath := ctx.Path(LoadELFPathFlag.Name)
	elfProgram, err := elf.Open(elfPath)
	if err != nil {
		return fmt.Errorf("failed to open ELF file %q: %w", elfPath, err)
	}
	defer elfProgram.Close()
	if elfProgram.Machine != elf.EM_RISCV {
		return fmt.Errorf("ELF is not RISC-V, but got %q", elfProgram.Machine.String())
	}
	if elfProgram.Class != elf.ELFCLASS64 {
		return fmt.Errorf("ELF is not 64-bit, but got %q", elfProgram.Class.String())
	}
	state, err := emu.LoadELF(elfProgram)
	if err != nil {
		return fmt.Errorf("failed to load ELF data into VM state: %w", err)
	}

	params := emu.ELFAuxvParams(elfProgram)
	if r := ctx.String(LoadELFRandomFlag.Name); r != "" {
		b, err := hexutil.Decode(r)
		if err != nil {
			return fmt.Errorf("invalid --%s value: %w", LoadELFRandomFlag.Name, err)
		}
		if len(b) != len(params.Random) {
			return fmt.Errorf("--%s needs %d bytes, got %d", LoadELFRandomFlag.Name, len(params.Random), len(b))
		}
		copy(params.Random[:], b)
	}
	args := ctx.Args().Slice()
	if len(args) == 0 {
		args = []string{elfPath}
	}
	img, err := emu.InitProcess(state, cfg, args, ctx.StringSlice(LoadELFEnvFlag.Name), params, nil)
	if err != nil {
		return fmt.Errorf("failed to build initial stack: %w", err)
	}
	l.Info("loaded program",
		"entry", HexU64(state.PC),
		"sp", HexU64(img.SP),
		"brk", HexU64(state.Brk),
		"regions", len(state.Memory.Regions()),
		"mem", state.Memory.Usage(),
	)
	return jsonutil.WriteJSON[*emu.VMState](ctx.Path(LoadELFOutFlag.Name), state, OutFilePerm)
}

var LoadELFCommand = &cli.Command{
	Name:        "load-elf",
	Usage:       "Load ELF file into riscvm JSON state",
	Description: "Load ELF file into riscvm JSON state, with the initial process stack built from the remaining arguments and --env entries",
	Action:      LoadELF,
	ArgsUsage:   "[program args...]",
	Flags: append([]cli.Flag{
		LoadELFPathFlag,
		LoadELFOutFlag,
		LoadELFEnvFlag,
		LoadELFRandomFlag,
		LogLevelFlag,
	}, ConfigFlags...),
}
