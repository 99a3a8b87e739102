package emu

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/riscvm/riscvm/rvgo/riscv"
)

const (
	// single read/getrandom calls are capped like Linux caps them at MAX_RW_COUNT
	maxIOChunk = 1 << 20
	maxIovecs  = 1024
)

func registerLinuxSyscalls(d *Dispatcher) {
	d.Register(riscv.SysExit, SyscallFunc("exit", sysExit))
	d.Register(riscv.SysExitGroup, SyscallFunc("exit_group", sysExit)) // no multi-thread support, same as exit
	d.Register(riscv.SysRead, SyscallFunc("read", sysRead))
	d.Register(riscv.SysWrite, SyscallFunc("write", sysWrite))
	d.Register(riscv.SysWritev, SyscallFunc("writev", sysWritev))
	d.Register(riscv.SysMmap, SyscallFunc("mmap", sysMmap))
	d.Register(riscv.SysMunmap, SyscallFunc("munmap", sysMunmap))
	d.Register(riscv.SysMprotect, SyscallFunc("mprotect", sysMprotect))
	d.Register(riscv.SysBrk, SyscallFunc("brk", sysBrk))
	d.Register(riscv.SysGetpid, SyscallFunc("getpid", sysGetpid))
	d.Register(riscv.SysGettid, SyscallFunc("gettid", sysGetpid))
	d.Register(riscv.SysGetrandom, SyscallFunc("getrandom", sysGetrandom))

	// libc startup calls. Thread and signal setup succeed trivially, the
	// rest are refused so libc takes its fallback path.
	d.Register(riscv.SysSetTidAddress, SyscallFunc("set_tid_address", sysGetpid))
	d.Register(riscv.SysSetRobustList, SyscallFunc("set_robust_list", sysNop))
	for num, name := range map[uint64]string{
		riscv.SysLseek:         "lseek",
		riscv.SysReadlink:      "readlink",
		riscv.SysLstat:         "lstat",
		riscv.SysFutex:         "futex",
		riscv.SysClockGettime:  "clock_gettime",
		riscv.SysTgkill:        "tgkill",
		riscv.SysRtSigaction:   "rt_sigaction",
		riscv.SysRtSigprocmask: "rt_sigprocmask",
		riscv.SysRiscvHwprobe:  "riscv_hwprobe",
		riscv.SysPrlimit64:     "prlimit64",
	} {
		d.Register(num, SyscallFunc(name, sysNotPermitted))
	}
}

func sysNop(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	return 0, nil
}

func sysNotPermitted(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	return 0, fmt.Errorf("syscall %d: %w", req.Num, ErrNotPermitted)
}

// exit(status): program stops here, no need to change registers.
func sysExit(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	env.State.ExitCode = uint8(req.Args[0])
	env.State.Exited = true
	return 0, nil
}

func (env *SyscallEnv) output(fd uint64) (io.Writer, error) {
	switch fd {
	case riscv.FdStdout:
		return env.Stdout, nil
	case riscv.FdStderr:
		return env.Stderr, nil
	default:
		return nil, fmt.Errorf("fd %d: %w", fd, ErrInvalidDescriptor)
	}
}

// copyOut writes count guest bytes at addr to w. The whole range is validated
// first, so a bad buffer produces no host output.
func copyOut(mem *Memory, w io.Writer, addr, count uint64) (uint64, error) {
	if err := mem.check("read", addr, count, riscv.ProtRead); err != nil {
		return 0, err
	}
	if w == nil {
		return count, nil
	}
	n, err := io.Copy(w, mem.ReadMemoryRange(addr, count))
	if err != nil {
		return uint64(n), fmt.Errorf("host write failed: %w", err)
	}
	return uint64(n), nil
}

// write(fd, buf, count)
func sysWrite(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	fd, addr, count := req.Args[0], req.Args[1], req.Args[2]
	w, err := env.output(fd)
	if err != nil {
		return 0, err
	}
	return copyOut(env.State.Memory, w, addr, count)
}

// writev(fd, iov, iovcnt)
func sysWritev(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	fd, iovAddr, iovCnt := req.Args[0], req.Args[1], req.Args[2]
	w, err := env.output(fd)
	if err != nil {
		return 0, err
	}
	if iovCnt > maxIovecs {
		return 0, fmt.Errorf("iovcnt %d: %w", iovCnt, ErrInvalidArgument)
	}
	mem := env.State.Memory
	iovs := make([]byte, iovCnt*16)
	if err := mem.Read(iovAddr, iovs); err != nil {
		return 0, err
	}
	var total uint64
	for i := uint64(0); i < iovCnt; i++ {
		base := binary.LittleEndian.Uint64(iovs[i*16:])
		length := binary.LittleEndian.Uint64(iovs[i*16+8:])
		n, err := copyOut(mem, w, base, length)
		total += n
		if err != nil {
			if total > 0 {
				// like Linux, report the partial write
				return total, nil
			}
			return 0, err
		}
	}
	return total, nil
}

// read(fd, buf, count). Only stdin is readable.
func sysRead(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	fd, addr, count := req.Args[0], req.Args[1], req.Args[2]
	if fd != riscv.FdStdin {
		return 0, fmt.Errorf("fd %d: %w", fd, ErrInvalidDescriptor)
	}
	if count > maxIOChunk {
		count = maxIOChunk
	}
	mem := env.State.Memory
	if err := mem.check("write", addr, count, riscv.ProtWrite); err != nil {
		return 0, err
	}
	if env.Stdin == nil || count == 0 {
		return 0, nil
	}
	buf := make([]byte, count)
	n, err := env.Stdin.Read(buf)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("host read failed: %w", err)
	}
	if err := mem.Write(addr, buf[:n]); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// mmap(addr, length, prot, flags, fd, offset). Anonymous mappings only.
func sysMmap(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	hint, length := req.Args[0], req.Args[1]
	prot, flags := Prot(req.Args[2]&(riscv.ProtRead|riscv.ProtWrite|riscv.ProtExec)), req.Args[3]
	fd := int32(req.Args[4])
	if flags&riscv.MapAnonymous == 0 && fd != -1 {
		// file backed mappings are not supported
		return 0, &UnsupportedSyscallErr{SyscallNum: req.Num}
	}
	if length == 0 {
		return 0, fmt.Errorf("zero length mmap: %w", ErrInvalidArgument)
	}
	if prot == riscv.ProtNone {
		// Programs built without libc map with prot 0 and then store into the
		// mapping, so PROT_NONE is granted read-write.
		prot = riscv.ProtRead | riscv.ProtWrite
	}
	mem := env.State.Memory
	if flags&riscv.MapFixed != 0 {
		if hint&PageAddrMask != 0 {
			return 0, fmt.Errorf("unaligned fixed mapping %#x: %w", hint, ErrInvalidArgument)
		}
		if _, err := mem.Map(hint, length, prot, KindAnonymous); err != nil {
			return 0, err
		}
		return hint, nil
	}
	return mem.Alloc(hint, length, prot)
}

// munmap(addr, length)
func sysMunmap(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	addr, length := req.Args[0], req.Args[1]
	if err := env.State.Memory.Unmap(addr, length); err != nil {
		return 0, fmt.Errorf("munmap: %w: %w", ErrInvalidArgument, err)
	}
	return 0, nil
}

// mprotect(addr, length, prot)
func sysMprotect(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	addr, length := req.Args[0], req.Args[1]
	prot := Prot(req.Args[2] & (riscv.ProtRead | riscv.ProtWrite | riscv.ProtExec))
	if err := env.State.Memory.Protect(addr, length, prot); err != nil {
		return 0, fmt.Errorf("mprotect: %w: %w", ErrInvalidArgument, err)
	}
	return 0, nil
}

// brk(addr) returns the new break, or the unchanged break when it cannot grow.
func sysBrk(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	state := env.State
	want := req.Args[0]
	if want <= state.Brk {
		// brk(0) queries, and the break is never shrunk
		return state.Brk, nil
	}
	from, to := pageAlignUp(state.Brk), pageAlignUp(want)
	if to > from {
		if _, err := state.Memory.Map(from, to-from, riscv.ProtRead|riscv.ProtWrite, KindReserved); err != nil {
			env.Log.Debug("brk failed", "brk", state.Brk, "want", want, "err", err)
			return state.Brk, nil
		}
	}
	state.Brk = want
	return want, nil
}

func sysGetpid(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	return env.PID, nil
}

// getrandom(buf, buflen, flags)
func sysGetrandom(env *SyscallEnv, req SyscallRequest) (uint64, error) {
	addr, length := req.Args[0], req.Args[1]
	if length > maxIOChunk {
		length = maxIOChunk
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(env.Rand, buf); err != nil {
		return 0, fmt.Errorf("entropy source failed: %w", err)
	}
	if err := env.State.Memory.Write(addr, buf); err != nil {
		return 0, err
	}
	return length, nil
}
