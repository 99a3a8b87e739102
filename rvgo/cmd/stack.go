package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/riscvm/riscvm/rvgo/emu"
	"github.com/riscvm/riscvm/rvgo/riscv"
)

type StackOutput struct {
	SP HexU64 `json:"sp"`
	*emu.InitialStack
}

func Stack(ctx *cli.Context) error {
	state, err := jsonutil.LoadJSON[emu.VMState](ctx.Path(InputFlag.Name))
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	sp := state.ReadRegister(riscv.RegSP)
	st, err := emu.ParseStack(state.Memory, sp)
	if err != nil {
		return fmt.Errorf("failed to parse initial stack at %016x: %w", sp, err)
	}
	return jsonutil.WriteJSON(ctx.Path(ReportOutputFlag.Name), &StackOutput{SP: HexU64(sp), InitialStack: st}, OutFilePerm)
}

var StackCommand = &cli.Command{
	Name:        "stack",
	Usage:       "Decode the initial stack of a JSON state",
	Description: "Decode argc, argv, envp and the auxiliary vector at the stack pointer of a JSON state, as the program entry point sees them",
	Action:      Stack,
	Flags: []cli.Flag{
		InputFlag,
		ReportOutputFlag,
	},
}
