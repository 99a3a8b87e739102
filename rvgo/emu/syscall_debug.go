package emu

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/riscvm/riscvm/rvgo/riscv"
)

// The debug syscalls let test programs print values without a libc. Each
// prints one line to stdout and returns 0.
func registerDebugSyscalls(d *Dispatcher) {
	d.Register(riscv.SysDebugPrintInt, SyscallFunc("debug_print_int", debugPrintInt))
	d.Register(riscv.SysDebugDumpRegs, SyscallFunc("debug_dump_regs", debugDumpRegs))
	d.Register(riscv.SysDebugPrintInt64At, SyscallFunc("debug_print_int64_at", debugPrintInt64At))
	d.Register(riscv.SysDebugPrintInt32At, SyscallFunc("debug_print_int32_at", debugPrintInt32At))
	d.Register(riscv.SysDebugPrintFloatAt, SyscallFunc("debug_print_float_at", debugPrintFloatAt))
}

func (env *SyscallEnv) println(s string) (uint64, error) {
	if env.Stdout == nil {
		return 0, nil
	}
	if _, err := io.WriteString(env.Stdout, s+"\n"); err != nil {
		return 0, fmt.Errorf("host write failed: %w", err)
	}
	return 0, nil
}

// a0 is the value itself
func debugPrintInt(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	return env.println(strconv.FormatInt(int64(req.Args[0]), 10))
}

func debugDumpRegs(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	if env.Stdout == nil {
		return 0, nil
	}
	if _, err := io.WriteString(env.Stdout, env.State.DumpRegisters()); err != nil {
		return 0, fmt.Errorf("host write failed: %w", err)
	}
	return 0, nil
}

// a0 points to an int64
func debugPrintInt64At(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	v, err := env.State.Memory.ReadUint64(req.Args[0])
	if err != nil {
		return 0, err
	}
	return env.println(strconv.FormatInt(int64(v), 10))
}

// a0 points to an int32
func debugPrintInt32At(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	v, err := env.State.Memory.ReadUint32(req.Args[0])
	if err != nil {
		return 0, err
	}
	return env.println(strconv.FormatInt(int64(int32(v)), 10))
}

// a0 points to an IEEE-754 single; printed in the shortest form that reads back to the same float32
func debugPrintFloatAt(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	v, err := env.State.Memory.ReadUint32(req.Args[0])
	if err != nil {
		return 0, err
	}
	return env.println(strconv.FormatFloat(float64(math.Float32frombits(v)), 'g', -1, 32))
}
