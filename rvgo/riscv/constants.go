package riscv

// Integer register slots, by ABI name.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegT0   = 5
	RegT1   = 6
	RegT2   = 7
	RegS0   = 8
	RegS1   = 9
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17

	RegCount = 32
)

// Syscall calling convention. Fixed by the ABI, never reinterpreted per handler.
const (
	RegSyscallNum  = RegA7
	RegSyscallArg0 = RegA0
	RegSyscallRet  = RegA0

	MaxSyscallArgs = 6
)

// RegNames are the ABI names of the integer registers, indexed by slot.
var RegNames = [RegCount]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

const (
	SysLseek         = 62
	SysRead          = 63
	SysWrite         = 64
	SysWritev        = 66
	SysReadlink      = 78
	SysLstat         = 80
	SysExit          = 93
	SysExitGroup     = 94
	SysSetTidAddress = 96
	SysFutex         = 98
	SysSetRobustList = 99
	SysClockGettime  = 113
	SysTgkill        = 131
	SysRtSigaction   = 134
	SysRtSigprocmask = 135
	SysGetpid        = 172
	SysGettid        = 178
	SysBrk           = 214
	SysMunmap        = 215
	SysMmap          = 222
	SysMprotect      = 226
	SysRiscvHwprobe  = 258
	SysPrlimit64     = 261
	SysGetrandom     = 278

	// Debug syscalls. Not part of Linux: test programs use them to print
	// values without a libc formatting routine.
	SysDebugPrintInt     = 1000
	SysDebugDumpRegs     = 1001
	SysDebugPrintInt64At = 1100
	SysDebugPrintInt32At = 1101
	SysDebugPrintFloatAt = 1110

	FdStdin  = 0
	FdStdout = 1
	FdStderr = 2
)

// Linux errno values returned (negated) in a0.
const (
	EPERM  = 1
	EBADF  = 9
	ENOMEM = 12
	EACCES = 13
	EFAULT = 14
	EINVAL = 22
	ENOSYS = 38
)

// mmap protection and flag bits.
const (
	ProtNone  = 0x0
	ProtRead  = 0x1
	ProtWrite = 0x2
	ProtExec  = 0x4

	MapShared    = 0x01
	MapPrivate   = 0x02
	MapFixed     = 0x10
	MapAnonymous = 0x20
)

// Auxiliary vector entry types.
const (
	AtNull     = 0
	AtIgnore   = 1
	AtExecFd   = 2
	AtPhdr     = 3
	AtPhent    = 4
	AtPhnum    = 5
	AtPagesz   = 6
	AtBase     = 7
	AtFlags    = 8
	AtEntry    = 9
	AtUID      = 11
	AtEUID     = 12
	AtGID      = 13
	AtEGID     = 14
	AtPlatform = 15
	AtHwcap    = 16
	AtClktck   = 17
	AtSecure   = 23
	AtRandom   = 25
	AtExecFn   = 31
)
