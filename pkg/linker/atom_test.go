package linker

import "testing"

// buildChain links n atoms of the given sizes onto a fresh pool and returns
// the chain head.
func buildChain(t *testing.T, pool *AtomPool, sizes []uint64) AtomIndex {
	t.Helper()

	var head, tail AtomIndex = NullAtom, NullAtom
	addr := uint64(0)
	for _, sz := range sizes {
		idx := pool.Alloc(Atom{Size: sz, Addr: addr, Alive: true, OutputSection: 0})
		if head == NullAtom {
			head = idx
		}
		tail = pool.AppendToSection(tail, idx)
		addr += sz
	}
	return head
}

func TestAtomChainAscendingAddress(t *testing.T) {
	pool := NewAtomPool()
	head := buildChain(t, pool, []uint64{16, 8, 32, 4})

	prevAddr := uint64(0)
	count := 0
	pool.Walk(head, func(idx AtomIndex, a *Atom) {
		if a.Addr < prevAddr {
			t.Fatalf("atom %d address %d precedes prior atom's %d", idx, a.Addr, prevAddr)
		}
		prevAddr = a.Addr
		count++
	})
	if count != 4 {
		t.Fatalf("walked %d atoms, want 4", count)
	}
}

func TestAtomChainSizeMatchesSectionSpan(t *testing.T) {
	pool := NewAtomPool()
	sizes := []uint64{16, 8, 32, 4}
	head := buildChain(t, pool, sizes)

	var total uint64
	var want uint64
	for _, sz := range sizes {
		want += sz
	}
	pool.Walk(head, func(_ AtomIndex, a *Atom) {
		total += a.Size
	})
	if total != want {
		t.Fatalf("summed atom size %d, want %d", total, want)
	}
}

func TestAtomChainDetectsCycle(t *testing.T) {
	pool := NewAtomPool()
	a := pool.Alloc(Atom{Size: 1})
	b := pool.Alloc(Atom{Size: 1})
	pool.Get(a).Next = b
	pool.Get(b).Next = a

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on cyclic atom chain")
		}
	}()
	pool.Walk(a, func(AtomIndex, *Atom) {})
}

func TestNullAtomIsReservedAtIndexZero(t *testing.T) {
	pool := NewAtomPool()
	if pool.Len() != 1 {
		t.Fatalf("fresh pool length %d, want 1 (null atom only)", pool.Len())
	}
	if NullAtom != 0 {
		t.Fatalf("NullAtom = %d, want 0", NullAtom)
	}
	if pool.Get(NullAtom).OutputSection != -1 {
		t.Fatal("null atom should carry OutputSection -1")
	}
}
