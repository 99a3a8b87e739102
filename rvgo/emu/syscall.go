package emu

import (
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/log"

	"github.com/riscvm/riscvm/rvgo/riscv"
)

var (
	ErrInvalidDescriptor = errors.New("invalid file descriptor")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotPermitted      = errors.New("operation not permitted")
)

type UnsupportedSyscallErr struct {
	SyscallNum uint64
}

func (e *UnsupportedSyscallErr) Error() string {
	return fmt.Sprintf("unsupported system call: %d", e.SyscallNum)
}

// Errno maps an error kind to the Linux errno reported to the guest.
// Errors without a guest-visible meaning, like failing host I/O, return false.
func Errno(err error) (uint64, bool) {
	var unsupported *UnsupportedSyscallErr
	switch {
	// checked first: munmap and mprotect wrap the memory error that made the argument invalid
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrRegionOverlap):
		return riscv.EINVAL, true
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrPermissionDenied):
		return riscv.EFAULT, true
	case errors.Is(err, ErrOutOfAddressSpace):
		return riscv.ENOMEM, true
	case errors.Is(err, ErrInvalidDescriptor):
		return riscv.EBADF, true
	case errors.Is(err, ErrNotPermitted):
		return riscv.EPERM, true
	case errors.As(err, &unsupported):
		return riscv.ENOSYS, true
	default:
		return 0, false
	}
}

// NegErrno encodes -errno as the 64-bit two's complement register value.
func NegErrno(errno uint64) uint64 {
	return -errno
}

// SyscallEnv is the process context a handler works on.
type SyscallEnv struct {
	State *VMState

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// source for getrandom
	Rand io.Reader

	PID uint64
	Log log.Logger
}

// SyscallHandler implements one syscall number. It decodes its own arguments
// from req and returns the value for a0. A returned error is translated with
// Errno; when the handler sets State.Exited no register is written.
type SyscallHandler interface {
	Name() string
	Handle(env *SyscallEnv, req SyscallRequest) (uint64, error)
}

type syscallFunc struct {
	name string
	fn   func(env *SyscallEnv, req SyscallRequest) (uint64, error)
}

func (f *syscallFunc) Name() string { return f.name }

func (f *syscallFunc) Handle(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	return f.fn(env, req)
}

// SyscallFunc adapts a function to SyscallHandler.
func SyscallFunc(name string, fn func(env *SyscallEnv, req SyscallRequest) (uint64, error)) SyscallHandler {
	return &syscallFunc{name: name, fn: fn}
}

type TrapResult uint8

const (
	// TrapContinue resumes the guest at the instruction after the ecall.
	TrapContinue TrapResult = iota
	// TrapExit terminates the guest, see VMState.ExitCode.
	TrapExit
)

func (r TrapResult) String() string {
	if r == TrapExit {
		return "exit"
	}
	return "continue"
}

// Dispatcher maps syscall numbers to handlers.
type Dispatcher struct {
	handlers map[uint64]SyscallHandler
	policy   UnsupportedPolicy
}

// NewDispatcher returns a dispatcher with the standard and debug handlers registered.
func NewDispatcher(policy UnsupportedPolicy) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[uint64]SyscallHandler),
		policy:   policy,
	}
	registerLinuxSyscalls(d)
	registerDebugSyscalls(d)
	return d
}

// Register installs h for num, replacing any previous handler.
func (d *Dispatcher) Register(num uint64, h SyscallHandler) {
	d.handlers[num] = h
}

func (d *Dispatcher) Handler(num uint64) (SyscallHandler, bool) {
	h, ok := d.handlers[num]
	return h, ok
}

// Dispatch performs the syscall pending in env.State's registers.
func (d *Dispatcher) Dispatch(env *SyscallEnv) (TrapResult, error) {
	state := env.State
	req := state.SyscallRequest()
	h, ok := d.handlers[req.Num]
	if !ok {
		return d.unsupported(env, &UnsupportedSyscallErr{SyscallNum: req.Num})
	}
	env.Log.Trace("syscall", "name", h.Name(), "req", req)

	ret, err := h.Handle(env, req)
	if state.Exited {
		env.Log.Info("program exited", "code", state.ExitCode, "step", state.Step)
		return TrapExit, nil
	}
	if err != nil {
		var unsupported *UnsupportedSyscallErr
		if errors.As(err, &unsupported) {
			return d.unsupported(env, unsupported)
		}
		errno, ok := Errno(err)
		if !ok {
			return TrapContinue, fmt.Errorf("%s: %w", h.Name(), err)
		}
		env.Log.Debug("syscall failed", "name", h.Name(), "errno", errno, "err", err)
		ret = NegErrno(errno)
	}
	state.SetSyscallReturn(ret)
	return TrapContinue, nil
}

func (d *Dispatcher) unsupported(env *SyscallEnv, err *UnsupportedSyscallErr) (TrapResult, error) {
	if d.policy == UnsupportedENOSYS {
		env.Log.Warn("unsupported syscall", "num", err.SyscallNum, "pc", env.State.PC)
		env.State.SetSyscallReturn(NegErrno(riscv.ENOSYS))
		return TrapContinue, nil
	}
	return TrapContinue, err
}
