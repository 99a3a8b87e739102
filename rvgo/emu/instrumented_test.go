package emu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riscvm/riscvm/rvgo/riscv"
)

// scriptCore plays back a fixed instruction trace. Each entry is applied to the
// state as one instruction; entries returning true end in an ecall.
type scriptCore struct {
	steps []func(state *VMState) bool
	pos   int
}

func (c *scriptCore) Step(state *VMState) (bool, error) {
	if c.pos >= len(c.steps) {
		return false, errors.New("ran off the end of the program")
	}
	fn := c.steps[c.pos]
	c.pos++
	state.PC += 4
	return fn(state), nil
}

func nop(state *VMState) bool { return false }

func ecall(num uint64, args ...uint64) func(state *VMState) bool {
	return func(state *VMState) bool {
		state.WriteRegister(riscv.RegSyscallNum, num)
		for i, a := range args {
			state.WriteRegister(uint64(riscv.RegSyscallArg0+i), a)
		}
		return true
	}
}

func TestRunHelloWorld(t *testing.T) {
	p := newTestProcess(t, UnsupportedFatal, "")
	msg := []byte("Hello World!\n")
	buf := p.alloc(t, msg)
	core := &scriptCore{steps: []func(*VMState) bool{
		nop,
		ecall(riscv.SysWrite, riscv.FdStdout, buf, uint64(len(msg))),
		nop,
		ecall(riscv.SysExit, 0),
		ecall(riscv.SysWrite, riscv.FdStdout, buf, uint64(len(msg))),
	}}
	require.NoError(t, p.Run(context.Background(), core))

	state := p.State()
	require.Equal(t, "Hello World!\n", p.stdout.String())
	require.True(t, state.Exited)
	require.Equal(t, uint8(0), state.ExitCode)
	require.Equal(t, uint64(4), state.Step)
	require.Equal(t, 4, core.pos, "nothing runs after exit")
	require.Equal(t, uint64(16), state.PC)
}

func TestRunExitCode(t *testing.T) {
	p := newTestProcess(t, UnsupportedFatal, "")
	core := &scriptCore{steps: []func(*VMState) bool{
		ecall(riscv.SysDebugPrintInt, 16),
		ecall(riscv.SysExitGroup, 42),
	}}
	require.NoError(t, p.Run(context.Background(), core))
	require.Equal(t, "16\n", p.stdout.String())
	require.Equal(t, uint8(42), p.State().ExitCode)
}

func TestRunUnsupported(t *testing.T) {
	p := newTestProcess(t, UnsupportedFatal, "")
	core := &scriptCore{steps: []func(*VMState) bool{
		ecall(9999),
		ecall(riscv.SysExit, 0),
	}}
	err := p.Run(context.Background(), core)
	var unsupported *UnsupportedSyscallErr
	require.ErrorAs(t, err, &unsupported)
	require.False(t, p.State().Exited)

	p = newTestProcess(t, UnsupportedENOSYS, "")
	core = &scriptCore{steps: core.steps}
	require.NoError(t, p.Run(context.Background(), core))
	require.True(t, p.State().Exited)
}

func TestRunCoreError(t *testing.T) {
	p := newTestProcess(t, UnsupportedFatal, "")
	err := p.Run(context.Background(), &scriptCore{steps: []func(*VMState) bool{nop}})
	require.ErrorContains(t, err, "ran off the end")
}

func TestRunCancelled(t *testing.T) {
	p := newTestProcess(t, UnsupportedFatal, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, &scriptCore{steps: []func(*VMState) bool{nop}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegisters(t *testing.T) {
	state := NewVMState()
	state.WriteRegister(riscv.RegZero, 5)
	require.Zero(t, state.ReadRegister(riscv.RegZero), "x0 is hardwired to zero")
	for i := uint64(1); i < riscv.RegCount; i++ {
		state.WriteRegister(i, i*3)
	}
	for i := uint64(1); i < riscv.RegCount; i++ {
		require.Equal(t, i*3, state.ReadRegister(i))
	}
	require.Equal(t, uint64(riscv.RegA7*3), state.SyscallNumber())
	for i := 0; i < riscv.MaxSyscallArgs; i++ {
		require.Equal(t, uint64(riscv.RegA0+i)*3, state.SyscallArg(i))
	}
	require.Panics(t, func() { state.SyscallArg(6) })

	state.SetSyscallReturn(77)
	require.Equal(t, uint64(77), state.ReadRegister(riscv.RegA0))
	req := state.SyscallRequest()
	require.Equal(t, uint64(riscv.RegA7*3), req.Num)
	require.Equal(t, uint64(77), req.Args[0])
	require.Equal(t, uint64(riscv.RegA5*3), req.Args[5])
}

func TestStateWitness(t *testing.T) {
	state := NewVMState()
	_, err := state.Memory.Map(0x1000, PageSize, rw, KindReserved)
	require.NoError(t, err)
	w := state.EncodeWitness()
	require.Len(t, w, stateWitnessLen)
	h1, err := w.StateHash()
	require.NoError(t, err)

	// touching a page with zeroes is invisible
	require.NoError(t, state.Memory.Write(0x1000, make([]byte, 8)))
	h2, err := state.EncodeWitness().StateHash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	require.NoError(t, state.Memory.Write(0x1000, []byte{1}))
	h3, err := state.EncodeWitness().StateHash()
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)

	state.WriteRegister(riscv.RegA0, 1)
	h4, err := state.EncodeWitness().StateHash()
	require.NoError(t, err)
	require.NotEqual(t, h3, h4)

	_, err = StateWitness(w[:10]).StateHash()
	require.Error(t, err)
}

func TestStateWitnessAllocWindow(t *testing.T) {
	a, b := NewVMState(), NewVMState()
	// same regions and pages, but b's next mmap lands one page higher
	addr, err := b.Memory.Alloc(0, PageSize, rw)
	require.NoError(t, err)
	require.NoError(t, b.Memory.Unmap(addr, PageSize))
	require.Equal(t, a.Memory.Regions(), b.Memory.Regions())

	ha, err := a.EncodeWitness().StateHash()
	require.NoError(t, err)
	hb, err := b.EncodeWitness().StateHash()
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)

	nextA, err := a.Memory.Alloc(0, PageSize, rw)
	require.NoError(t, err)
	nextB, err := b.Memory.Alloc(0, PageSize, rw)
	require.NoError(t, err)
	require.NotEqual(t, nextA, nextB)

	c := NewVMState()
	c.Memory.SetAllocWindow(DefaultMmapBase, DefaultMmapLimit-PageSize)
	hc, err := c.EncodeWitness().StateHash()
	require.NoError(t, err)
	require.NotEqual(t, ha, hc, "window bounds are committed")
}

func TestConfigCheck(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Check())

	bad := cfg
	bad.StackTop++
	require.Error(t, bad.Check())

	bad = cfg
	bad.MmapLimit = bad.MmapBase
	require.Error(t, bad.Check())

	bad = cfg
	bad.MmapBase = cfg.StackTop - PageSize
	bad.MmapLimit = cfg.StackTop + PageSize
	require.Error(t, bad.Check())

	p, err := ParseUnsupportedPolicy("enosys")
	require.NoError(t, err)
	require.Equal(t, UnsupportedENOSYS, p)
	require.Equal(t, "enosys", p.String())
	p, err = ParseUnsupportedPolicy("")
	require.NoError(t, err)
	require.Equal(t, UnsupportedFatal, p)
	_, err = ParseUnsupportedPolicy("ignore")
	require.Error(t, err)
}
