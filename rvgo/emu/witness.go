package emu

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// memory digest + pc + exit code + exited + step + brk + 32 int regs + 32 float regs
const stateWitnessLen = 32 + 8 + 1 + 1 + 8 + 8 + 32*8 + 32*8

// StateWitness is the binary encoding of a VMState, see VMState.EncodeWitness.
type StateWitness []byte

// StateHash is the keccak256 of the witness. The memory digest covers the
// allocation window, so equal hashes also mean equal future mmap results.
func (sw StateWitness) StateHash() (common.Hash, error) {
	if len(sw) != stateWitnessLen {
		return common.Hash{}, fmt.Errorf("invalid state witness length %d, must be %d", len(sw), stateWitnessLen)
	}
	return crypto.Keccak256Hash(sw), nil
}

// Digest commits to the allocation window, the region table and all non-zero
// pages. Pages that were touched but hold only zeroes do not change the digest.
func (m *Memory) Digest() common.Hash {
	var buf [8]byte
	h := crypto.NewKeccakState()
	for _, v := range []uint64{m.allocBase, m.allocLimit, m.allocNext} {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for _, r := range m.regions {
		binary.BigEndian.PutUint64(buf[:], r.Base)
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], r.Length)
		h.Write(buf[:])
		h.Write([]byte{byte(r.Prot), byte(r.Kind)})
	}
	indices := make([]uint64, 0, len(m.pages))
	for k, p := range m.pages {
		if *p != (Page{}) {
			indices = append(indices, k)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, k := range indices {
		binary.BigEndian.PutUint64(buf[:], k)
		h.Write(buf[:])
		h.Write(m.pages[k][:])
	}
	var out common.Hash
	h.Read(out[:])
	return out
}
