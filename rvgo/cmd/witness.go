package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/riscvm/riscvm/rvgo/emu"
)

type WitnessOutput struct {
	Witness   hexutil.Bytes `json:"witness"`
	StateHash common.Hash   `json:"stateHash"`
}

func Witness(ctx *cli.Context) error {
	input := ctx.Path(InputFlag.Name)
	output := ctx.Path(WitnessOutputFlag.Name)
	state, err := jsonutil.LoadJSON[emu.VMState](input)
	if err != nil {
		return fmt.Errorf("invalid input state (%v): %w", input, err)
	}
	witness := state.EncodeWitness()
	stateHash, err := witness.StateHash()
	if err != nil {
		return fmt.Errorf("failed to compute witness hash: %w", err)
	}
	if err := jsonutil.WriteJSON(output, &WitnessOutput{Witness: hexutil.Bytes(witness), StateHash: stateHash}, OutFilePerm); err != nil {
		return fmt.Errorf("failed to write witness output %w", err)
	}
	fmt.Println(stateHash.Hex())
	return nil
}

var WitnessOutputFlag = &cli.PathFlag{
	Name:      "output",
	Usage:     "path to write binary witness",
	TakesFile: true,
}

var WitnessCommand = &cli.Command{
	Name:        "witness",
	Usage:       "Convert a riscvm JSON state into a binary witness",
	Description: "Convert a riscvm JSON state into a binary witness. The statehash is written to stdout",
	Action:      Witness,
	Flags: []cli.Flag{
		InputFlag,
		WitnessOutputFlag,
	},
}
