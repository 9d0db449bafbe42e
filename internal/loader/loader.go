// Package loader reads a linked ELF shared object, exposes its bytes and
// symbols through the decoder/image interfaces the lifter and resolver
// need, and builds each guest function's initial control-flow graph.
package loader

import (
	"debug/elf"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/wasmsentry/wasmsentry/internal/dataflow"
	"github.com/wasmsentry/wasmsentry/internal/ir"
	"github.com/wasmsentry/wasmsentry/internal/lift"
)

// Module is the loaded ELF image plus the function table the verifier
// iterates over. debug/elf is used rather than a third-party ELF library:
// see DESIGN.md for why the standard library suffices here.
type Module struct {
	file *elf.File

	// segments maps each loadable segment's virtual address range to its
	// file-backed bytes, letting ReadAt/Decode work directly in virtual
	// address space.
	segments []segment

	Functions []Function

	LucetTablesBase int64
	GuestTable0Base int64

	LucetProbestack    int64
	HasLucetProbestack bool
}

type segment struct {
	addr ir.Addr
	data []byte
}

// Function is one candidate guest function: its entry address, its name,
// and its byte extent within the text section (used to bound initial block
// splitting before the resolver extends it).
type Function struct {
	Name  string
	Entry ir.Addr
	End   ir.Addr
}

// Load parses the ELF file at path into a Module.
func Load(path string) (*Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loader: opening %s", path)
	}
	m := &Module{file: f}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, errors.Wrapf(err, "loader: reading segment at %#x", prog.Vaddr)
		}
		m.segments = append(m.segments, segment{addr: ir.Addr(prog.Vaddr), data: data})
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, errors.Wrap(err, "loader: reading symbol table")
	}
	m.Functions = functionsFromSymbols(syms)

	m.LucetTablesBase, m.GuestTable0Base = lucetConstants(syms)
	m.LucetProbestack, m.HasLucetProbestack = lucetProbestack(syms)

	return m, nil
}

// LiftMetadata builds the lift.Metadata this module's idiom recognizers
// need. Absent a lucet_probestack symbol, the probestack idiom never
// matches and the three-instruction sequence lifts as three plain
// statements instead.
func (m *Module) LiftMetadata() lift.Metadata {
	if !m.HasLucetProbestack {
		return lift.Metadata{}
	}
	return lift.Metadata{ProbeStack: ir.Addr(m.LucetProbestack), HasProbeStack: true}
}

// IsValidFuncName filters out compiler-generated trampoline stubs, which
// the verifier does not analyze directly since they are re-entered only
// through already-checked call sites.
func IsValidFuncName(name string) bool {
	return !strings.HasPrefix(name, "_trampoline")
}

func functionsFromSymbols(syms []elf.Symbol) []Function {
	var fns []Function
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 {
			continue
		}
		if !IsValidFuncName(s.Name) {
			continue
		}
		fns = append(fns, Function{
			Name:  s.Name,
			Entry: ir.Addr(s.Value),
			End:   ir.Addr(s.Value + s.Size),
		})
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Entry < fns[j].Entry })
	return fns
}

// lucetConstants recovers the well-known Lucet runtime table base
// addresses from the symbol table, when present; a module built without
// Lucet's guest-table support simply never classifies an immediate against
// them and every such comparison in internal/analysis/heap falls through.
func lucetConstants(syms []elf.Symbol) (lucetTables, guestTable0 int64) {
	for _, s := range syms {
		switch s.Name {
		case "lucet_tables":
			lucetTables = int64(s.Value)
		case "guest_table_0":
			guestTable0 = int64(s.Value)
		}
	}
	return
}

// lucetProbestack recovers the runtime's stack-probe routine address, used
// to certify (rather than assume) a probestack idiom match during lifting.
func lucetProbestack(syms []elf.Symbol) (addr int64, ok bool) {
	for _, s := range syms {
		if s.Name == "lucet_probestack" {
			return int64(s.Value), true
		}
	}
	return 0, false
}

// ReadAt implements resolver.Image.
func (m *Module) ReadAt(addr ir.Addr, n int) ([]byte, error) {
	for _, seg := range m.segments {
		if addr >= seg.addr && int(addr-seg.addr)+n <= len(seg.data) {
			off := int(addr - seg.addr)
			return seg.data[off : off+n], nil
		}
	}
	return nil, errors.Errorf("loader: address %#x not within any loaded segment", uint64(addr))
}

// Decode implements lift.Decoder.
func (m *Module) Decode(addr ir.Addr) (x86asm.Inst, error) {
	b, err := m.ReadAt(addr, 16)
	// Near the end of a segment fewer than 16 bytes may remain; retry with
	// whatever is left, since no x86-64 instruction exceeds 15 bytes.
	for n := 15; err != nil && n >= 1; n-- {
		b, err = m.ReadAt(addr, n)
	}
	if err != nil {
		return x86asm.Inst{}, err
	}
	inst, err := x86asm.Decode(b, 64)
	if err != nil {
		return x86asm.Inst{}, errors.Wrapf(err, "loader: decoding instruction at %#x", uint64(addr))
	}
	return inst, nil
}

// BuildCFG performs the initial recursive block-splitting walk seeded at
// fn's entry: blocks end at an unconditional branch, a conditional branch,
// RET or UD2. Switch and call edges are added later by the resolver and
// the reaching/call analyses rather than here, since an indirect jump's
// targets are not known until the switch analysis converges.
func BuildCFG(m *Module, fn Function) (*dataflow.CFG, map[ir.Addr]lift.BlockSpan, error) {
	cfg := dataflow.NewCFG(fn.Entry)
	spans := make(map[ir.Addr]lift.BlockSpan)

	var walk func(start ir.Addr) error
	visited := map[ir.Addr]bool{}
	walk = func(start ir.Addr) error {
		if visited[start] || start >= fn.End {
			return nil
		}
		visited[start] = true

		addr := start
		for addr < fn.End {
			inst, err := m.Decode(addr)
			if err != nil {
				return err
			}
			next := addr + ir.Addr(inst.Len)

			switch inst.Op {
			case x86asm.RET, x86asm.UD2:
				spans[start] = lift.BlockSpan{Addr: start, End: next}
				return nil

			case x86asm.JMP:
				spans[start] = lift.BlockSpan{Addr: start, End: next}
				if rel, ok := inst.Args[0].(x86asm.Rel); ok {
					target := ir.Addr(int64(addr) + int64(inst.Len) + int64(rel))
					cfg.AddEdge(start, target)
					return walk(target)
				}
				return nil

			case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
				x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNO, x86asm.JNP,
				x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
				spans[start] = lift.BlockSpan{Addr: start, End: next}
				cfg.AddEdge(start, next)
				if rel, ok := inst.Args[0].(x86asm.Rel); ok {
					target := ir.Addr(int64(addr) + int64(inst.Len) + int64(rel))
					cfg.AddEdge(start, target)
					if err := walk(target); err != nil {
						return err
					}
				}
				return walk(next)

			default:
				addr = next
			}
		}
		spans[start] = lift.BlockSpan{Addr: start, End: fn.End}
		return nil
	}

	if err := walk(fn.Entry); err != nil {
		return nil, nil, err
	}
	return cfg, spans, nil
}
