package emu

import "fmt"

// UnsupportedPolicy decides what happens when the guest calls a syscall that has no handler.
type UnsupportedPolicy uint8

const (
	// UnsupportedFatal stops emulation with an *UnsupportedSyscallErr.
	UnsupportedFatal UnsupportedPolicy = iota
	// UnsupportedENOSYS returns -ENOSYS to the guest and continues.
	UnsupportedENOSYS
)

func (p UnsupportedPolicy) String() string {
	switch p {
	case UnsupportedFatal:
		return "fatal"
	case UnsupportedENOSYS:
		return "enosys"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

func ParseUnsupportedPolicy(s string) (UnsupportedPolicy, error) {
	switch s {
	case "fatal", "":
		return UnsupportedFatal, nil
	case "enosys":
		return UnsupportedENOSYS, nil
	default:
		return 0, fmt.Errorf("unknown unsupported-syscall policy %q, expected fatal or enosys", s)
	}
}

type Config struct {
	Unsupported UnsupportedPolicy

	StackTop  uint64
	StackSize uint64

	// anonymous mmap window
	MmapBase  uint64
	MmapLimit uint64

	// reported by getpid and gettid
	PID uint64
}

func DefaultConfig() Config {
	return Config{
		Unsupported: UnsupportedFatal,
		StackTop:    DefaultStackTop,
		StackSize:   DefaultStackSize,
		MmapBase:    DefaultMmapBase,
		MmapLimit:   DefaultMmapLimit,
		PID:         1,
	}
}

func (c *Config) Check() error {
	if c.StackTop&PageAddrMask != 0 {
		return fmt.Errorf("stack top %#x is not page aligned", c.StackTop)
	}
	if c.StackSize == 0 || c.StackSize > c.StackTop {
		return fmt.Errorf("invalid stack size %#x", c.StackSize)
	}
	if c.MmapBase >= c.MmapLimit {
		return fmt.Errorf("empty mmap window [%#x, %#x)", c.MmapBase, c.MmapLimit)
	}
	stackBase := c.StackTop - c.StackSize
	if c.MmapBase < c.StackTop && stackBase < c.MmapLimit {
		return fmt.Errorf("mmap window [%#x, %#x) overlaps the stack [%#x, %#x)", c.MmapBase, c.MmapLimit, stackBase, c.StackTop)
	}
	return nil
}
