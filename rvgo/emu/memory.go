package emu

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/riscvm/riscvm/rvgo/riscv"
)

// Note: 2**12 = 4 KiB, the page size reported to the guest through AT_PAGESZ.
const (
	PageAddrSize = 12
	PageSize     = 1 << PageAddrSize
	PageAddrMask = PageSize - 1
)

var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrOutOfAddressSpace = errors.New("out of address space")
	ErrRegionOverlap     = errors.New("region overlap")
)

// MemoryError records the failed access and the address that caused it.
type MemoryError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("%s 0x%016x: %v", e.Op, e.Addr, e.Err)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// Prot is a set of riscv.Prot* bits.
type Prot uint8

func (p Prot) String() string {
	out := []byte("---")
	if p&riscv.ProtRead != 0 {
		out[0] = 'r'
	}
	if p&riscv.ProtWrite != 0 {
		out[1] = 'w'
	}
	if p&riscv.ProtExec != 0 {
		out[2] = 'x'
	}
	return string(out)
}

type RegionKind uint8

const (
	// KindAnonymous regions are created by mmap.
	KindAnonymous RegionKind = iota
	// KindReserved regions are placed at fixed addresses by the loader, the stack builder and brk.
	KindReserved
)

func (k RegionKind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindReserved:
		return "reserved"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Region struct {
	Base   uint64     `json:"base"`
	Length uint64     `json:"length"`
	Prot   Prot       `json:"prot"`
	Kind   RegionKind `json:"kind"`
}

// End is the first address past the region.
func (r *Region) End() uint64 { return r.Base + r.Length }

func (r *Region) contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Length
}

func (r *Region) String() string {
	return fmt.Sprintf("%016x-%016x %s %s", r.Base, r.End(), r.Prot, r.Kind)
}

type Page [PageSize]byte

func (p *Page) MarshalText() ([]byte, error) {
	return hexutil.Bytes(p[:]).MarshalText()
}

func (p *Page) UnmarshalText(dat []byte) error {
	var b hexutil.Bytes
	if err := b.UnmarshalText(dat); err != nil {
		return err
	}
	if len(b) != PageSize {
		return fmt.Errorf("page data has %d bytes, expected %d", len(b), PageSize)
	}
	copy(p[:], b)
	return nil
}

// Memory is the guest address space: a sorted table of non-overlapping regions
// over a sparse store of pages. Pages are allocated on first write, untouched
// pages read as zero.
type Memory struct {
	pages map[uint64]*Page

	// sorted by base, never overlapping
	regions []*Region

	// window searched by Alloc, and where the next search starts
	allocBase  uint64
	allocLimit uint64
	allocNext  uint64

	// two caches: we often read instructions from one page, and do memory things with another page.
	// this prevents map lookups each instruction
	lastPageKeys [2]uint64
	lastPage     [2]*Page
}

func NewMemory() *Memory {
	return &Memory{
		pages:        make(map[uint64]*Page),
		allocBase:    DefaultMmapBase,
		allocLimit:   DefaultMmapLimit,
		allocNext:    DefaultMmapBase,
		lastPageKeys: [2]uint64{^uint64(0), ^uint64(0)}, // default to invalid keys, to not match any pages
	}
}

// SetAllocWindow bounds the addresses Alloc may hand out to [base, limit).
func (m *Memory) SetAllocWindow(base, limit uint64) {
	m.allocBase = pageAlignDown(base)
	m.allocLimit = pageAlignDown(limit)
	m.allocNext = m.allocBase
}

func (m *Memory) PageCount() int {
	return len(m.pages)
}

// Regions returns a copy of the region table, sorted by base address.
func (m *Memory) Regions() []Region {
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = *r
	}
	return out
}

func (m *Memory) pageLookup(pageIndex uint64) (*Page, bool) {
	// hit caches
	if pageIndex == m.lastPageKeys[0] {
		return m.lastPage[0], true
	}
	if pageIndex == m.lastPageKeys[1] {
		return m.lastPage[1], true
	}
	p, ok := m.pages[pageIndex]

	// only cache existing pages.
	if ok {
		m.lastPageKeys[1] = m.lastPageKeys[0]
		m.lastPage[1] = m.lastPage[0]
		m.lastPageKeys[0] = pageIndex
		m.lastPage[0] = p
	}

	return p, ok
}

func (m *Memory) allocPage(pageIndex uint64) *Page {
	p := new(Page)
	m.pages[pageIndex] = p
	return p
}

func (m *Memory) dropPage(pageIndex uint64) {
	delete(m.pages, pageIndex)
	for i := range m.lastPageKeys {
		if m.lastPageKeys[i] == pageIndex {
			m.lastPageKeys[i] = ^uint64(0)
			m.lastPage[i] = nil
		}
	}
}

func pageAlignUp(v uint64) uint64 {
	return (v + PageAddrMask) &^ PageAddrMask
}

func pageAlignDown(v uint64) uint64 {
	return v &^ PageAddrMask
}

// findRegion returns the index of the region containing addr, or -1.
func (m *Memory) findRegion(addr uint64) int {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End() > addr
	})
	if i < len(m.regions) && m.regions[i].contains(addr) {
		return i
	}
	return -1
}

func (m *Memory) overlaps(base, length uint64) bool {
	end := base + length
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End() > base
	})
	return i < len(m.regions) && m.regions[i].Base < end
}

func (m *Memory) insertRegion(r *Region) {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].Base > r.Base
	})
	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
}

// Map places a region at a fixed page-aligned base. The length is rounded up to whole pages.
func (m *Memory) Map(base, length uint64, prot Prot, kind RegionKind) (*Region, error) {
	if base&PageAddrMask != 0 {
		return nil, &MemoryError{Op: "map", Addr: base, Err: ErrInvalidAddress}
	}
	if length == 0 {
		return nil, &MemoryError{Op: "map", Addr: base, Err: fmt.Errorf("zero length: %w", ErrInvalidAddress)}
	}
	length = pageAlignUp(length)
	if length == 0 || base+length < base {
		return nil, &MemoryError{Op: "map", Addr: base, Err: ErrOutOfAddressSpace}
	}
	if m.overlaps(base, length) {
		return nil, &MemoryError{Op: "map", Addr: base, Err: ErrRegionOverlap}
	}
	r := &Region{Base: base, Length: length, Prot: prot, Kind: kind}
	m.insertRegion(r)
	return r, nil
}

// Alloc reserves a zeroed anonymous region of at least length bytes. A page
// aligned hint is used as the base when the whole range is free, otherwise the
// first fitting gap in the allocation window is taken.
func (m *Memory) Alloc(hint, length uint64, prot Prot) (uint64, error) {
	if length == 0 {
		return 0, &MemoryError{Op: "alloc", Addr: hint, Err: fmt.Errorf("zero length: %w", ErrInvalidAddress)}
	}
	size := pageAlignUp(length)
	if size == 0 {
		return 0, &MemoryError{Op: "alloc", Addr: hint, Err: ErrOutOfAddressSpace}
	}
	if hint != 0 && hint&PageAddrMask == 0 && hint+size > hint && !m.overlaps(hint, size) {
		if _, err := m.Map(hint, size, prot, KindAnonymous); err != nil {
			return 0, err
		}
		return hint, nil
	}
	base, ok := m.findGap(m.allocNext, size)
	if !ok {
		// wrap around once, earlier regions may have been unmapped
		base, ok = m.findGap(m.allocBase, size)
	}
	if !ok {
		return 0, &MemoryError{Op: "alloc", Addr: hint, Err: ErrOutOfAddressSpace}
	}
	if _, err := m.Map(base, size, prot, KindAnonymous); err != nil {
		return 0, err
	}
	m.allocNext = base + size
	return base, nil
}

// findGap returns the lowest base >= from inside the allocation window with size free bytes.
func (m *Memory) findGap(from, size uint64) (uint64, bool) {
	base := from
	if base < m.allocBase {
		base = m.allocBase
	}
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End() > base
	})
	for {
		if base+size < base || base+size > m.allocLimit {
			return 0, false
		}
		if i >= len(m.regions) || m.regions[i].Base >= base+size {
			return base, true
		}
		base = m.regions[i].End()
		i++
	}
}

// Unmap removes every region fully inside [base, base+length) and releases its pages.
// Partially covered regions are rejected.
func (m *Memory) Unmap(base, length uint64) error {
	if base&PageAddrMask != 0 || length == 0 {
		return &MemoryError{Op: "unmap", Addr: base, Err: ErrInvalidAddress}
	}
	end := base + pageAlignUp(length)
	kept := m.regions[:0:0]
	var dropped []*Region
	for _, r := range m.regions {
		switch {
		case r.End() <= base || r.Base >= end:
			kept = append(kept, r)
		case r.Base >= base && r.End() <= end:
			dropped = append(dropped, r)
		default:
			return &MemoryError{Op: "unmap", Addr: r.Base, Err: fmt.Errorf("partial unmap of region %s: %w", r, ErrInvalidAddress)}
		}
	}
	for _, r := range dropped {
		for p := r.Base >> PageAddrSize; p < r.End()>>PageAddrSize; p++ {
			m.dropPage(p)
		}
	}
	m.regions = kept
	return nil
}

// Protect changes the protection of every region fully inside [base, base+length).
func (m *Memory) Protect(base, length uint64, prot Prot) error {
	if base&PageAddrMask != 0 || length == 0 {
		return &MemoryError{Op: "protect", Addr: base, Err: ErrInvalidAddress}
	}
	end := base + pageAlignUp(length)
	var hit []*Region
	for _, r := range m.regions {
		if r.End() <= base || r.Base >= end {
			continue
		}
		if r.Base < base || r.End() > end {
			return &MemoryError{Op: "protect", Addr: r.Base, Err: fmt.Errorf("partial protect of region %s: %w", r, ErrInvalidAddress)}
		}
		hit = append(hit, r)
	}
	if len(hit) == 0 {
		return &MemoryError{Op: "protect", Addr: base, Err: ErrInvalidAddress}
	}
	for _, r := range hit {
		r.Prot = prot
	}
	return nil
}

// check verifies that [addr, addr+length) is covered by regions that all grant perm.
func (m *Memory) check(op string, addr, length uint64, perm Prot) error {
	if length == 0 {
		return nil
	}
	if addr+length < addr {
		return &MemoryError{Op: op, Addr: addr, Err: ErrInvalidAddress}
	}
	end := addr + length
	for cur := addr; cur < end; {
		i := m.findRegion(cur)
		if i < 0 {
			return &MemoryError{Op: op, Addr: cur, Err: ErrInvalidAddress}
		}
		r := m.regions[i]
		if r.Prot&perm != perm {
			return &MemoryError{Op: op, Addr: cur, Err: ErrPermissionDenied}
		}
		cur = r.End()
	}
	return nil
}

func (m *Memory) getRange(addr uint64, dest []byte) {
	for len(dest) > 0 {
		pageIndex := addr >> PageAddrSize
		pageAddr := addr & PageAddrMask
		var n int
		if p, ok := m.pageLookup(pageIndex); ok {
			n = copy(dest, p[pageAddr:])
		} else {
			n = copy(dest, make([]byte, PageSize-pageAddr)) // default to zeroes
		}
		dest = dest[n:]
		addr += uint64(n)
	}
}

func (m *Memory) setRange(addr uint64, data []byte) {
	for len(data) > 0 {
		pageIndex := addr >> PageAddrSize
		pageAddr := addr & PageAddrMask
		p, ok := m.pageLookup(pageIndex)
		if !ok {
			// allocate the page if we have not already.
			p = m.allocPage(pageIndex)
		}
		n := copy(p[pageAddr:], data)
		data = data[n:]
		addr += uint64(n)
	}
}

// Read fills dest from readable guest memory at addr.
func (m *Memory) Read(addr uint64, dest []byte) error {
	if err := m.check("read", addr, uint64(len(dest)), riscv.ProtRead); err != nil {
		return err
	}
	m.getRange(addr, dest)
	return nil
}

// Write stores data into writable guest memory at addr.
func (m *Memory) Write(addr uint64, data []byte) error {
	if err := m.check("write", addr, uint64(len(data)), riscv.ProtWrite); err != nil {
		return err
	}
	m.setRange(addr, data)
	return nil
}

// Copy moves length bytes from src to dst. Overlapping ranges are safe: the
// source is read completely before anything is written.
func (m *Memory) Copy(dst, src, length uint64) error {
	if err := m.check("write", dst, length, riscv.ProtWrite); err != nil {
		return err
	}
	buf := make([]byte, length)
	if err := m.Read(src, buf); err != nil {
		return err
	}
	m.setRange(dst, buf)
	return nil
}

func (m *Memory) ReadUint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := m.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (m *Memory) ReadUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := m.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *Memory) WriteUint64(addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return m.Write(addr, buf[:])
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func (m *Memory) ReadCString(addr uint64, max int) (string, error) {
	var out []byte
	var b [1]byte
	for i := 0; i < max; i++ {
		if err := m.Read(addr+uint64(i), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", &MemoryError{Op: "read", Addr: addr, Err: fmt.Errorf("string exceeds %d bytes: %w", max, ErrInvalidAddress)}
}

// SetMemoryRange copies r into memory at addr without protection checks.
// Loaders use it to fill regions they mapped read-only or executable.
func (m *Memory) SetMemoryRange(addr uint64, r io.Reader) error {
	for {
		pageIndex := addr >> PageAddrSize
		pageAddr := addr & PageAddrMask
		p, ok := m.pageLookup(pageIndex)
		if !ok {
			p = m.allocPage(pageIndex)
		}
		n, err := r.Read(p[pageAddr:])
		addr += uint64(n)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

type memReader struct {
	m     *Memory
	addr  uint64
	count uint64
}

func (r *memReader) Read(dest []byte) (n int, err error) {
	if r.count == 0 {
		return 0, io.EOF
	}
	if uint64(len(dest)) > r.count {
		dest = dest[:r.count]
	}
	// stay within the current page
	if room := PageSize - (r.addr & PageAddrMask); uint64(len(dest)) > room {
		dest = dest[:room]
	}
	if err := r.m.Read(r.addr, dest); err != nil {
		return 0, err
	}
	r.addr += uint64(len(dest))
	r.count -= uint64(len(dest))
	return len(dest), nil
}

// ReadMemoryRange streams count readable bytes starting at addr.
func (m *Memory) ReadMemoryRange(addr uint64, count uint64) io.Reader {
	return &memReader{m: m, addr: addr, count: count}
}

type pageEntry struct {
	Index uint64 `json:"index"`
	Data  *Page  `json:"data"`
}

type memoryJSON struct {
	AllocBase  uint64      `json:"allocBase"`
	AllocLimit uint64      `json:"allocLimit"`
	AllocNext  uint64      `json:"allocNext"`
	Regions    []Region    `json:"regions"`
	Pages      []pageEntry `json:"pages"`
}

func (m *Memory) MarshalJSON() ([]byte, error) {
	pages := make([]pageEntry, 0, len(m.pages))
	for k, p := range m.pages {
		pages = append(pages, pageEntry{
			Index: k,
			Data:  p,
		})
	}
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].Index < pages[j].Index
	})
	return json.Marshal(memoryJSON{
		AllocBase:  m.allocBase,
		AllocLimit: m.allocLimit,
		AllocNext:  m.allocNext,
		Regions:    m.Regions(),
		Pages:      pages,
	})
}

func (m *Memory) UnmarshalJSON(data []byte) error {
	var dec memoryJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	fresh := NewMemory()
	for i, r := range dec.Regions {
		if _, err := fresh.Map(r.Base, r.Length, r.Prot, r.Kind); err != nil {
			return fmt.Errorf("cannot load region %d: %w", i, err)
		}
	}
	for i, p := range dec.Pages {
		if _, ok := fresh.pages[p.Index]; ok {
			return fmt.Errorf("cannot load duplicate page, entry %d, page index %d", i, p.Index)
		}
		if p.Data == nil {
			return fmt.Errorf("page entry %d has no data", i)
		}
		fresh.pages[p.Index] = p.Data
	}
	if dec.AllocLimit != 0 {
		fresh.SetAllocWindow(dec.AllocBase, dec.AllocLimit)
		if dec.AllocNext >= fresh.allocBase && dec.AllocNext <= fresh.allocLimit {
			fresh.allocNext = dec.AllocNext
		}
	} else if m.allocLimit != 0 {
		// keep a window configured before decoding
		fresh.SetAllocWindow(m.allocBase, m.allocLimit)
	}
	*m = *fresh
	return nil
}

// Serialize writes the memory in a simple binary format which can be read again using Deserialize
// The format is a simple concatenation of fields, with prefixed item count for repeating items and using big endian
// encoding for numbers.
//
// len(Regions)      uint64
// For each region (sorted by base):
//
//	base, length     uint64
//	prot, kind       uint8
//
// len(PageCount)    uint64
// For each page (order is arbitrary):
//
//	page index          uint64
//	page Data           [PageSize]byte
func (m *Memory) Serialize(out io.Writer) error {
	if err := binary.Write(out, binary.BigEndian, uint64(len(m.regions))); err != nil {
		return err
	}
	for _, r := range m.regions {
		if err := binary.Write(out, binary.BigEndian, []uint64{r.Base, r.Length}); err != nil {
			return err
		}
		if _, err := out.Write([]byte{byte(r.Prot), byte(r.Kind)}); err != nil {
			return err
		}
	}
	if err := binary.Write(out, binary.BigEndian, uint64(m.PageCount())); err != nil {
		return err
	}
	for pageIndex, page := range m.pages {
		if err := binary.Write(out, binary.BigEndian, pageIndex); err != nil {
			return err
		}
		if _, err := out.Write(page[:]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Deserialize(in io.Reader) error {
	var regionCount uint64
	if err := binary.Read(in, binary.BigEndian, &regionCount); err != nil {
		return err
	}
	for i := uint64(0); i < regionCount; i++ {
		var span [2]uint64
		if err := binary.Read(in, binary.BigEndian, &span); err != nil {
			return err
		}
		var attrs [2]byte
		if _, err := io.ReadFull(in, attrs[:]); err != nil {
			return err
		}
		if _, err := m.Map(span[0], span[1], Prot(attrs[0]), RegionKind(attrs[1])); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
	}
	var pageCount uint64
	if err := binary.Read(in, binary.BigEndian, &pageCount); err != nil {
		return err
	}
	for i := uint64(0); i < pageCount; i++ {
		var pageIndex uint64
		if err := binary.Read(in, binary.BigEndian, &pageIndex); err != nil {
			return err
		}
		page := m.allocPage(pageIndex)
		if _, err := io.ReadFull(in, page[:]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Usage() string {
	total := uint64(len(m.pages)) * PageSize
	const unit = 1024
	if total < unit {
		return fmt.Sprintf("%d B", total)
	}
	div, exp := uint64(unit), 0
	for n := total / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	// KiB, MiB, GiB, TiB, ...
	return fmt.Sprintf("%.1f %ciB", float64(total)/float64(div), "KMGTPE"[exp])
}
