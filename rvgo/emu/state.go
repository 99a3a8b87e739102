package emu

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/riscvm/riscvm/rvgo/riscv"
)

// Default guest address space layout.
const (
	// Note: Go heap arenas in 64 bit riscv start at 0xc0_00_00_00_00 and are requested with mmap hints,
	// so anonymous memory without a hint is placed well above that.
	DefaultMmapBase  = 0x7f_00_00_00_00_00
	DefaultMmapLimit = 0x7f_f0_00_00_00_00

	DefaultStackTop  = 0x7f_ff_ff_ff_f0_00
	DefaultStackSize = 8 << 20

	// used when no program image sets the break
	DefaultBrk = 1 << 30
)

type VMState struct {
	Memory *Memory `json:"memory"`

	PC uint64 `json:"pc"`

	ExitCode uint8 `json:"exit"`
	Exited   bool  `json:"exited"`

	Step uint64 `json:"step"`

	// current program break, grown by brk
	Brk uint64 `json:"brk"`

	Registers [riscv.RegCount]uint64 `json:"registers"`
	// raw IEEE-754 bits, NaN-boxed singles included
	FloatRegisters [32]uint64 `json:"floatRegisters"`
}

func NewVMState() *VMState {
	return &VMState{
		Memory: NewMemory(),
		Brk:    DefaultBrk,
	}
}

func (state *VMState) ReadRegister(reg uint64) uint64 {
	if reg == riscv.RegZero {
		return 0
	}
	return state.Registers[reg]
}

// WriteRegister ignores writes to x0.
func (state *VMState) WriteRegister(reg uint64, v uint64) {
	if reg == riscv.RegZero {
		return
	}
	state.Registers[reg] = v
}

func (state *VMState) SyscallNumber() uint64 {
	return state.Registers[riscv.RegSyscallNum]
}

// SyscallArg returns argument i (0..5) of the pending syscall.
func (state *VMState) SyscallArg(i int) uint64 {
	if i < 0 || i >= riscv.MaxSyscallArgs {
		panic(fmt.Errorf("syscall argument %d out of range", i))
	}
	return state.Registers[riscv.RegSyscallArg0+i]
}

func (state *VMState) SetSyscallReturn(v uint64) {
	state.Registers[riscv.RegSyscallRet] = v
}

func (state *VMState) SyscallReturn() uint64 {
	return state.Registers[riscv.RegSyscallRet]
}

// SyscallRequest is the syscall number and its arguments, read from the
// registers when the guest traps.
type SyscallRequest struct {
	Num  uint64
	Args [riscv.MaxSyscallArgs]uint64
}

func (state *VMState) SyscallRequest() SyscallRequest {
	req := SyscallRequest{Num: state.SyscallNumber()}
	for i := range req.Args {
		req.Args[i] = state.SyscallArg(i)
	}
	return req
}

func (r SyscallRequest) String() string {
	return fmt.Sprintf("syscall %d(%#x, %#x, %#x, %#x, %#x, %#x)",
		r.Num, r.Args[0], r.Args[1], r.Args[2], r.Args[3], r.Args[4], r.Args[5])
}

// DumpRegisters formats the integer registers by ABI name, four per line.
func (state *VMState) DumpRegisters() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pc   %016x\n", state.PC)
	for i, name := range riscv.RegNames {
		fmt.Fprintf(&sb, "%-4s %016x", name, state.ReadRegister(uint64(i)))
		if i%4 == 3 {
			sb.WriteByte('\n')
		} else {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

func (state *VMState) EncodeWitness() StateWitness {
	out := make([]byte, 0, stateWitnessLen)
	memRoot := state.Memory.Digest()
	out = append(out, memRoot[:]...)
	out = binary.BigEndian.AppendUint64(out, state.PC)
	out = append(out, state.ExitCode)
	if state.Exited {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = binary.BigEndian.AppendUint64(out, state.Step)
	out = binary.BigEndian.AppendUint64(out, state.Brk)
	for _, r := range state.Registers {
		out = binary.BigEndian.AppendUint64(out, r)
	}
	for _, r := range state.FloatRegisters {
		out = binary.BigEndian.AppendUint64(out, r)
	}
	return out
}
