package emu

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riscvm/riscvm/rvgo/riscv"
)

const (
	testTextVaddr = 0x10000
	testDataVaddr = 0x20000
	testEntry     = testTextVaddr + 0xb0
)

// buildTestELF writes a static RV64 executable with a text segment that also
// covers the headers, and a data segment with a bss tail.
func buildTestELF(t *testing.T, code, data []byte) *elf.File {
	const hdrs = 64 + 2*56
	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     testEntry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))

	textSize := uint64(hdrs + len(code))
	progs := []elf.Prog64{
		{
			Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X),
			Off: 0, Vaddr: testTextVaddr, Paddr: testTextVaddr,
			Filesz: textSize, Memsz: textSize, Align: PageSize,
		},
		{
			Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W),
			Off: textSize, Vaddr: testDataVaddr, Paddr: testDataVaddr,
			Filesz: uint64(len(data)), Memsz: uint64(len(data)) + 2*PageSize, Align: PageSize,
		},
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, progs))
	buf.Write(code)
	buf.Write(data)

	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return f
}

func TestLoadELF(t *testing.T) {
	code := []byte{0x73, 0x00, 0x00, 0x00} // ecall
	data := []byte("initialized data")
	f := buildTestELF(t, code, data)

	state, err := LoadELF(f)
	require.NoError(t, err)
	require.Equal(t, uint64(testEntry), state.PC)
	require.Equal(t, uint64(testDataVaddr+len(data)+2*PageSize), state.Brk)

	regions := state.Memory.Regions()
	require.Len(t, regions, 2)
	require.Equal(t, uint64(testTextVaddr), regions[0].Base)
	require.Equal(t, Prot(riscv.ProtRead|riscv.ProtExec), regions[0].Prot)
	require.Equal(t, uint64(testDataVaddr), regions[1].Base)
	require.Equal(t, uint64(3*PageSize), regions[1].Length)
	require.Equal(t, rw, regions[1].Prot)

	var got [4]byte
	require.NoError(t, state.Memory.Read(testEntry, got[:]))
	require.Equal(t, code, got[:])
	require.ErrorIs(t, state.Memory.Write(testTextVaddr, got[:]), ErrPermissionDenied, "text is not writable")

	out := make([]byte, len(data))
	require.NoError(t, state.Memory.Read(testDataVaddr, out))
	require.Equal(t, data, out)
	bss, err := state.Memory.ReadUint64(testDataVaddr + PageSize)
	require.NoError(t, err)
	require.Zero(t, bss)

	params := ELFAuxvParams(f)
	require.Equal(t, uint64(testTextVaddr+64), params.Phdr)
	require.Equal(t, uint64(2), params.Phnum)
	require.Equal(t, uint64(56), params.Phent)
	require.Equal(t, uint64(testEntry), params.Entry)
}

func TestInitProcess(t *testing.T) {
	f := buildTestELF(t, []byte{0x73, 0, 0, 0}, []byte{1})
	state, err := LoadELF(f)
	require.NoError(t, err)

	cfg := DefaultConfig()
	params := ELFAuxvParams(f)
	rnd := bytes.NewReader(bytes.Repeat([]byte{0xaa}, 16))
	img, err := InitProcess(state, cfg, []string{"/prog", "-v"}, []string{"TERM=dumb"}, params, rnd)
	require.NoError(t, err)
	require.Equal(t, img.SP, state.ReadRegister(riscv.RegSP))
	require.Equal(t, uint64(cfg.StackTop), img.Top)

	st, err := ParseStack(state.Memory, img.SP)
	require.NoError(t, err)
	require.Equal(t, []string{"/prog", "-v"}, st.Args)
	require.Equal(t, []string{"TERM=dumb"}, st.Env)
	vals := make(map[uint64]uint64)
	for _, e := range st.Auxv {
		vals[e.Type] = e.Value
	}
	require.Equal(t, uint64(testEntry), vals[riscv.AtEntry])
	var r [16]byte
	require.NoError(t, state.Memory.Read(vals[riscv.AtRandom], r[:]))
	require.Equal(t, bytes.Repeat([]byte{0xaa}, 16), r[:])
	execFn, err := state.Memory.ReadCString(vals[riscv.AtExecFn], 64)
	require.NoError(t, err)
	require.Equal(t, "/prog", execFn)

	// mmap lands in the configured window, clear of the image and the stack
	a, err := state.Memory.Alloc(0, PageSize, rw)
	require.NoError(t, err)
	require.GreaterOrEqual(t, a, uint64(cfg.MmapBase))
	require.Less(t, a, uint64(cfg.MmapLimit))
}
