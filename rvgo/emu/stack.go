package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/riscvm/riscvm/rvgo/riscv"
)

// AuxEntry is one {type, value} pair of the auxiliary vector.
type AuxEntry struct {
	Type  uint64 `json:"type"`
	Value uint64 `json:"value"`
}

// StackImage locates the initial stack: Top is the end of the stack region,
// SP the address of argc.
type StackImage struct {
	Top uint64 `json:"top"`
	SP  uint64 `json:"sp"`
}

// StackBuilder writes the initial process stack the way the Linux kernel
// does. Blobs and strings are pushed downwards from the top of the stack
// region, the pointer block is written last:
//
//	sp -> argc
//	      argv[0..argc-1], NULL
//	      envp[0..n-1], NULL
//	      auxv pairs, {AT_NULL, 0}
//	      padding, strings and blobs up to Top
type StackBuilder struct {
	mem  *Memory
	base uint64
	top  uint64
	sp   uint64
}

// NewStackBuilder maps the stack region [top-size, top) read-write.
func NewStackBuilder(mem *Memory, top, size uint64) (*StackBuilder, error) {
	if top&PageAddrMask != 0 || size == 0 || size > top {
		return nil, fmt.Errorf("invalid stack placement top=%#x size=%#x", top, size)
	}
	base := top - pageAlignUp(size)
	if _, err := mem.Map(base, size, riscv.ProtRead|riscv.ProtWrite, KindReserved); err != nil {
		return nil, fmt.Errorf("failed to map stack: %w", err)
	}
	return &StackBuilder{mem: mem, base: base, top: top, sp: top}, nil
}

// PushBytes copies data below the current stack pointer and returns its address.
// A failed push leaves the stack pointer where it was.
func (b *StackBuilder) PushBytes(data []byte) (uint64, error) {
	n := uint64(len(data))
	if n > b.sp-b.base {
		return 0, fmt.Errorf("stack overflow pushing %d bytes: %w", n, &MemoryError{Op: "write", Addr: b.base, Err: ErrInvalidAddress})
	}
	sp := b.sp - n
	if err := b.mem.Write(sp, data); err != nil {
		return 0, fmt.Errorf("stack overflow pushing %d bytes: %w", n, err)
	}
	b.sp = sp
	return sp, nil
}

// PushString pushes s with a NUL terminator.
func (b *StackBuilder) PushString(s string) (uint64, error) {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return b.PushBytes(buf)
}

// Build writes the strings of args and env and the pointer block, and returns
// the initial stack pointer. auxv is copied up to its first AT_NULL entry and
// always terminated with {AT_NULL, 0}.
func (b *StackBuilder) Build(args, env []string, auxv []AuxEntry) (StackImage, error) {
	envPtrs := make([]uint64, len(env))
	for i := len(env) - 1; i >= 0; i-- {
		p, err := b.PushString(env[i])
		if err != nil {
			return StackImage{}, err
		}
		envPtrs[i] = p
	}
	argPtrs := make([]uint64, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		p, err := b.PushString(args[i])
		if err != nil {
			return StackImage{}, err
		}
		argPtrs[i] = p
	}

	words := make([]uint64, 0, 1+len(args)+1+len(env)+1+2*len(auxv)+2)
	words = append(words, uint64(len(args)))
	words = append(words, argPtrs...)
	words = append(words, 0)
	words = append(words, envPtrs...)
	words = append(words, 0)
	for _, e := range auxv {
		if e.Type == riscv.AtNull {
			break
		}
		words = append(words, e.Type, e.Value)
	}
	words = append(words, riscv.AtNull, 0)

	// the ABI wants sp 16-byte aligned at entry
	sp := (b.sp - uint64(len(words))*8) &^ 0xF
	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	if err := b.mem.Write(sp, buf); err != nil {
		return StackImage{}, fmt.Errorf("stack overflow writing %d pointer words: %w", len(words), err)
	}
	b.sp = sp
	return StackImage{Top: b.top, SP: sp}, nil
}

// InitialStack is the guest's view of the initial stack.
type InitialStack struct {
	Args []string   `json:"args"`
	Env  []string   `json:"env"`
	Auxv []AuxEntry `json:"auxv"`
}

// maxStackString bounds the strings ParseStack will follow.
const maxStackString = 1 << 17

// ParseStack reads argc, argv, envp and auxv starting at sp, the way a
// program entry point without a C runtime does. The AT_NULL terminator is
// not included in the returned auxv.
func ParseStack(mem *Memory, sp uint64) (*InitialStack, error) {
	argc, err := mem.ReadUint64(sp)
	if err != nil {
		return nil, fmt.Errorf("failed to read argc: %w", err)
	}
	if argc > maxStackString {
		return nil, fmt.Errorf("implausible argc %d", argc)
	}
	out := &InitialStack{Args: make([]string, 0, argc), Env: []string{}, Auxv: []AuxEntry{}}
	p := sp + 8
	for i := uint64(0); i < argc; i++ {
		s, err := readStringPtr(mem, p)
		if err != nil {
			return nil, fmt.Errorf("argv[%d]: %w", i, err)
		}
		out.Args = append(out.Args, s)
		p += 8
	}
	if term, err := mem.ReadUint64(p); err != nil {
		return nil, fmt.Errorf("argv terminator: %w", err)
	} else if term != 0 {
		return nil, fmt.Errorf("argv not NULL terminated, found %#x", term)
	}
	p += 8
	for {
		ptr, err := mem.ReadUint64(p)
		if err != nil {
			return nil, fmt.Errorf("envp[%d]: %w", len(out.Env), err)
		}
		p += 8
		if ptr == 0 {
			break
		}
		s, err := mem.ReadCString(ptr, maxStackString)
		if err != nil {
			return nil, fmt.Errorf("envp[%d]: %w", len(out.Env), err)
		}
		out.Env = append(out.Env, s)
	}
	for {
		typ, err := mem.ReadUint64(p)
		if err != nil {
			return nil, fmt.Errorf("auxv[%d]: %w", len(out.Auxv), err)
		}
		val, err := mem.ReadUint64(p + 8)
		if err != nil {
			return nil, fmt.Errorf("auxv[%d]: %w", len(out.Auxv), err)
		}
		p += 16
		if typ == riscv.AtNull {
			return out, nil
		}
		out.Auxv = append(out.Auxv, AuxEntry{Type: typ, Value: val})
	}
}

func readStringPtr(mem *Memory, at uint64) (string, error) {
	ptr, err := mem.ReadUint64(at)
	if err != nil {
		return "", err
	}
	return mem.ReadCString(ptr, maxStackString)
}

// AuxvParams are the loader-provided facts DefaultAuxv describes.
type AuxvParams struct {
	Entry uint64
	Phdr  uint64 // 0 when the program headers are not mapped
	Phent uint64
	Phnum uint64

	Random   [16]byte
	ExecPath string
}

// DefaultAuxv pushes the AT_RANDOM bytes and the AT_EXECFN string onto the
// stack and returns the auxiliary vector a Linux kernel would pass.
func (b *StackBuilder) DefaultAuxv(p AuxvParams) ([]AuxEntry, error) {
	randPtr, err := b.PushBytes(p.Random[:])
	if err != nil {
		return nil, err
	}
	execFn, err := b.PushString(p.ExecPath)
	if err != nil {
		return nil, err
	}
	auxv := []AuxEntry{
		{riscv.AtPhent, p.Phent},
		{riscv.AtPhnum, p.Phnum},
		{riscv.AtPagesz, PageSize},
		{riscv.AtEntry, p.Entry},
		{riscv.AtUID, 1000},
		{riscv.AtEUID, 1000},
		{riscv.AtGID, 1000},
		{riscv.AtEGID, 1000},
		{riscv.AtSecure, 0},
		{riscv.AtRandom, randPtr},
		{riscv.AtClktck, 100},
		{riscv.AtExecFn, execFn},
	}
	if p.Phdr != 0 {
		auxv = append(auxv, AuxEntry{riscv.AtPhdr, p.Phdr})
	}
	return auxv, nil
}
