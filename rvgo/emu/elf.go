package emu

import (
	"bytes"
	"crypto/rand"
	"debug/elf"
	"fmt"
	"io"
	"sort"

	"github.com/riscvm/riscvm/rvgo/riscv"
)

// ELF64 file header size; program headers directly follow it in the binaries we load.
const elf64HeaderSize = 64

func elfProt(flags elf.ProgFlag) Prot {
	var p Prot
	if flags&elf.PF_R != 0 {
		p |= riscv.ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= riscv.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= riscv.ProtExec
	}
	return p
}

type segmentSpan struct {
	lo, hi uint64
	prot   Prot
}

// LoadELF maps the PT_LOAD segments of f with their ELF permissions, copies
// their contents, and sets PC to the entry point and the program break past
// the highest segment.
func LoadELF(f *elf.File) (*VMState, error) {
	out := NewVMState()
	out.PC = f.Entry

	var spans []segmentSpan
	var brk uint64
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("invalid PT_LOAD program segment %d, file size (%d) > mem size (%d)", i, prog.Filesz, prog.Memsz)
		}
		if prog.Memsz == 0 {
			continue
		}
		end := prog.Vaddr + prog.Memsz
		spans = append(spans, segmentSpan{lo: pageAlignDown(prog.Vaddr), hi: pageAlignUp(end), prot: elfProt(prog.Flags)})
		if end > brk {
			brk = end
		}
	}

	// segments may share a page at their boundary: merge and grant the union of permissions
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	var merged []segmentSpan
	for _, s := range spans {
		if n := len(merged); n > 0 && s.lo < merged[n-1].hi {
			last := &merged[n-1]
			if s.hi > last.hi {
				last.hi = s.hi
			}
			last.prot |= s.prot
			continue
		}
		merged = append(merged, s)
	}
	for _, s := range merged {
		if _, err := out.Memory.Map(s.lo, s.hi-s.lo, s.prot, KindReserved); err != nil {
			return nil, fmt.Errorf("failed to map program segment at %#x: %w", s.lo, err)
		}
	}

	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		r := io.Reader(io.NewSectionReader(prog, 0, int64(prog.Filesz)))
		if prog.Filesz < prog.Memsz {
			r = io.MultiReader(r, bytes.NewReader(make([]byte, prog.Memsz-prog.Filesz)))
		}
		if err := out.Memory.SetMemoryRange(prog.Vaddr, r); err != nil {
			return nil, fmt.Errorf("failed to read program segment %d: %w", i, err)
		}
	}
	if brk != 0 {
		out.Brk = brk
	}
	return out, nil
}

// ELFAuxvParams collects the program header facts passed through the auxiliary vector.
func ELFAuxvParams(f *elf.File) AuxvParams {
	p := AuxvParams{
		Entry: f.Entry,
		Phent: 56, // sizeof(Elf64_Phdr)
		Phnum: uint64(len(f.Progs)),
	}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_PHDR {
			p.Phdr = prog.Vaddr
			return p
		}
	}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Off == 0 {
			p.Phdr = prog.Vaddr + elf64HeaderSize
			break
		}
	}
	return p
}

// InitProcess builds the initial stack for args and env and points sp at it.
// Missing AT_RANDOM bytes are drawn from rnd, crypto/rand when nil.
func InitProcess(state *VMState, cfg Config, args, env []string, params AuxvParams, rnd io.Reader) (StackImage, error) {
	if err := cfg.Check(); err != nil {
		return StackImage{}, err
	}
	state.Memory.SetAllocWindow(cfg.MmapBase, cfg.MmapLimit)
	b, err := NewStackBuilder(state.Memory, cfg.StackTop, cfg.StackSize)
	if err != nil {
		return StackImage{}, err
	}
	if params.Random == ([16]byte{}) {
		if rnd == nil {
			rnd = rand.Reader
		}
		if _, err := io.ReadFull(rnd, params.Random[:]); err != nil {
			return StackImage{}, fmt.Errorf("failed to read AT_RANDOM bytes: %w", err)
		}
	}
	if params.ExecPath == "" && len(args) > 0 {
		params.ExecPath = args[0]
	}
	auxv, err := b.DefaultAuxv(params)
	if err != nil {
		return StackImage{}, err
	}
	img, err := b.Build(args, env, auxv)
	if err != nil {
		return StackImage{}, err
	}
	state.WriteRegister(riscv.RegSP, img.SP)
	return img, nil
}
