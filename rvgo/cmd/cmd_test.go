package cmd

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/riscvm/riscvm/rvgo/emu"
	"github.com/riscvm/riscvm/rvgo/riscv"
)

func testApp() *cli.App {
	app := cli.NewApp()
	app.Name = "riscvm"
	app.Commands = []*cli.Command{LoadELFCommand, TrapCommand, StackCommand, WitnessCommand}
	return app
}

// writeTestELF writes a static RV64 executable with a single RX segment
// holding the headers and code.
func writeTestELF(t *testing.T, path string) {
	code := []byte{0x73, 0x00, 0x00, 0x00}
	const hdrs = 64 + 56
	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x10000 + hdrs,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	size := uint64(hdrs + len(code))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Prog64{
		Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X),
		Vaddr: 0x10000, Paddr: 0x10000, Filesz: size, Memsz: size, Align: 0x1000,
	}))
	buf.Write(code)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestCLI(t *testing.T) {
	dir := t.TempDir()
	elfPath := filepath.Join(dir, "prog.elf")
	statePath := filepath.Join(dir, "state.json")
	writeTestELF(t, elfPath)

	app := testApp()
	require.NoError(t, app.RunContext(context.Background(), []string{"riscvm", "load-elf",
		"--path", elfPath, "--out", statePath,
		"--env", "HOME=/root", "--random", "0x000102030405060708090a0b0c0d0e0f",
		"--log.level", "error",
		"prog", "hello",
	}))

	state, err := jsonutil.LoadJSON[emu.VMState](statePath)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000+64+56), state.PC)
	st, err := emu.ParseStack(state.Memory, state.ReadRegister(riscv.RegSP))
	require.NoError(t, err)
	require.Equal(t, []string{"prog", "hello"}, st.Args)
	require.Equal(t, []string{"HOME=/root"}, st.Env)

	t.Run("stack", func(t *testing.T) {
		out := filepath.Join(dir, "stack.json")
		require.NoError(t, testApp().Run([]string{"riscvm", "stack", "--input", statePath, "--output", out}))
		res, err := jsonutil.LoadJSON[StackOutput](out)
		require.NoError(t, err)
		require.Equal(t, st.Args, res.Args)
		require.Equal(t, HexU64(state.ReadRegister(riscv.RegSP)), res.SP)
	})

	t.Run("trap", func(t *testing.T) {
		// point a write(1, argv[1], 5) at the loaded state
		state, err := jsonutil.LoadJSON[emu.VMState](statePath)
		require.NoError(t, err)
		argv1, err := state.Memory.ReadUint64(state.ReadRegister(riscv.RegSP) + 16)
		require.NoError(t, err)
		state.WriteRegister(riscv.RegA7, riscv.SysWrite)
		state.WriteRegister(riscv.RegA0, riscv.FdStdout)
		state.WriteRegister(riscv.RegA1, argv1)
		state.WriteRegister(riscv.RegA2, 5)
		pre := filepath.Join(dir, "pre.json")
		require.NoError(t, jsonutil.WriteJSON(pre, state, OutFilePerm))

		post := filepath.Join(dir, "post.json")
		require.NoError(t, testApp().Run([]string{"riscvm", "trap",
			"--input", pre, "--output", post, "--log.guest-output", "--log.level", "error"}))
		res, err := jsonutil.LoadJSON[emu.VMState](post)
		require.NoError(t, err)
		require.Equal(t, uint64(5), res.SyscallReturn())
		require.False(t, res.Exited)

		// exit through the same path
		res.WriteRegister(riscv.RegA7, riscv.SysExit)
		res.WriteRegister(riscv.RegA0, 7)
		require.NoError(t, jsonutil.WriteJSON(pre, res, OutFilePerm))
		require.NoError(t, testApp().Run([]string{"riscvm", "trap", "--input", pre, "--output", post, "--log.level", "error"}))
		res, err = jsonutil.LoadJSON[emu.VMState](post)
		require.NoError(t, err)
		require.True(t, res.Exited)
		require.Equal(t, uint8(7), res.ExitCode)
	})

	t.Run("trap unsupported", func(t *testing.T) {
		state, err := jsonutil.LoadJSON[emu.VMState](statePath)
		require.NoError(t, err)
		state.WriteRegister(riscv.RegA7, 9999)
		pre := filepath.Join(dir, "unsupported.json")
		require.NoError(t, jsonutil.WriteJSON(pre, state, OutFilePerm))
		post := filepath.Join(dir, "unsupported-out.json")

		err = testApp().Run([]string{"riscvm", "trap", "--input", pre, "--output", post, "--log.level", "crit"})
		var unsupported *emu.UnsupportedSyscallErr
		require.ErrorAs(t, err, &unsupported)

		require.NoError(t, testApp().Run([]string{"riscvm", "trap", "--input", pre, "--output", post,
			"--unsupported", "enosys", "--log.level", "crit"}))
		res, err := jsonutil.LoadJSON[emu.VMState](post)
		require.NoError(t, err)
		require.Equal(t, int64(-riscv.ENOSYS), int64(res.SyscallReturn()))
	})

	t.Run("witness", func(t *testing.T) {
		out := filepath.Join(dir, "witness.json")
		require.NoError(t, testApp().Run([]string{"riscvm", "witness", "--input", statePath, "--output", out}))
		res, err := jsonutil.LoadJSON[WitnessOutput](out)
		require.NoError(t, err)
		hash, err := state.EncodeWitness().StateHash()
		require.NoError(t, err)
		require.Equal(t, hash, res.StateHash)
		require.Equal(t, []byte(state.EncodeWitness()), []byte(res.Witness))
	})
}

func TestLoadELFRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	elfPath := filepath.Join(dir, "prog.elf")
	writeTestELF(t, elfPath)

	err := testApp().Run([]string{"riscvm", "load-elf", "--path", filepath.Join(dir, "missing"), "--out", filepath.Join(dir, "s.json")})
	require.ErrorContains(t, err, "failed to open ELF file")

	err = testApp().Run([]string{"riscvm", "load-elf", "--path", elfPath, "--out", filepath.Join(dir, "s.json"), "--random", "0x0102"})
	require.ErrorContains(t, err, "needs 16 bytes")

	err = testApp().Run([]string{"riscvm", "load-elf", "--path", elfPath, "--out", filepath.Join(dir, "s.json"), "--unsupported", "ignore"})
	require.ErrorContains(t, err, "unknown unsupported-syscall policy")
}

func TestLoggingWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &LoggingWriter{Name: "program std-out", Log: Logger(&buf, log.LevelInfo)}
	n, err := lw.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Contains(t, buf.String(), `text="hello\n"`)
	require.Contains(t, buf.String(), `stream="program std-out"`)

	buf.Reset()
	_, err = lw.Write([]byte{0x00, 0xff})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "data=0x00ff")
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"trace", "debug", "info", "warn", "error", "crit", "INFO", ""} {
		_, err := ParseLevel(name)
		require.NoError(t, err, name)
	}
	lvl, err := ParseLevel("trace")
	require.NoError(t, err)
	require.Equal(t, log.LevelTrace, lvl)
	_, err = ParseLevel("loud")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "loud"))
}
