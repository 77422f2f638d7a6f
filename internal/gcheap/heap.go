// Package gcheap implements the per-process heap: headered allocations
// inside growable arenas, a segregated free list, and tricolor
// mark-sweep collection (spec §4.3).
//
// Heaps are never shared between processes. A send between local
// processes deep-copies its payload into the recipient's heap; nothing
// in this package ever hands out a Ref usable from another Heap.
//
// Go programs cannot safely read their own goroutine stack memory to
// perform the conservative scan spec §4.3 describes, so this
// implementation substitutes an explicit root set: callers pass the
// Refs currently reachable from the running process's simulated frames
// (see internal/proc) into Collect/Alloc instead of the GC guessing at
// stack words. Every other invariant — mark/sweep, free-list reuse,
// never touching a different heap — holds exactly as specified. This
// substitution is recorded as a resolved open question in DESIGN.md.
package gcheap

import (
	"encoding/binary"
	"fmt"
)

// TypeTag identifies an allocation's shape to the collector, exactly as
// the header's tag bits do in spec §3/§4.3: the heap never interprets
// a tag beyond looking up which byte offsets within the payload hold
// interior Refs.
type TypeTag uint16

// Descriptor tells the collector where interior pointers live inside a
// payload of a given tag. PointerOffsets are byte offsets, each holding
// an 8-byte encoded Ref.
type Descriptor struct {
	PointerOffsets []int
}

// Ref is a handle into exactly one Heap's exactly one arena. The zero
// value addresses the first allocation of the first arena, so it is not
// "no object"; use NilRef for that.
type Ref struct {
	arena  int32
	offset int32
}

// NilRef is the handle equivalent of a null pointer.
var NilRef = Ref{arena: -1, offset: -1}

// IsNil reports whether r addresses no object.
func (r Ref) IsNil() bool { return r.arena < 0 }

const headerSize = 16 // Size(4) Tag(2) Mark(1) pad(1) Next(8)

type header struct {
	size uint32
	tag  TypeTag
	mark bool
	next Ref
}

type arenaPage struct {
	buf    []byte
	cursor uint32
}

// Config tunes arena growth and free-list behavior.
type Config struct {
	ArenaSize       uint32  // bytes per arena page; spec default "page-sized"
	GrowthThreshold float64 // post-GC free fraction below which a new arena is grown (spec default 0.40)
}

// DefaultConfig matches spec §4.3 / §6 defaults.
func DefaultConfig() Config {
	return Config{ArenaSize: 64 * 1024, GrowthThreshold: 0.40}
}

// Heap is one process's private mark-sweep arena set.
type Heap struct {
	cfg         Config
	descriptors map[TypeTag]Descriptor
	arenas      []*arenaPage
	allObjects  Ref
	freeBuckets map[uint32]Ref // size-class (rounded payload size) -> free list head

	allocatedBytes uint64
	freedBytes     uint64
}

// New constructs an empty heap with one initial arena.
func New(cfg Config, descriptors map[TypeTag]Descriptor) *Heap {
	if cfg.ArenaSize == 0 {
		cfg = DefaultConfig()
	}
	h := &Heap{
		cfg:         cfg,
		descriptors: descriptors,
		allObjects:  NilRef,
		freeBuckets: make(map[uint32]Ref),
	}
	h.addArena()
	return h
}

func (h *Heap) addArena() {
	h.arenas = append(h.arenas, &arenaPage{buf: make([]byte, h.cfg.ArenaSize)})
}

func sizeClass(payload uint32) uint32 {
	class := uint32(16)
	for class < payload {
		class *= 2
	}
	return class
}

// GCTrigger is invoked by Alloc when both the free list and bump space
// are exhausted. It must run a full mark-sweep against the process's
// current roots (see Collect); it reports nothing back, and Alloc
// retries the free list and bump space once after it returns.
type GCTrigger func(h *Heap)

// Alloc returns a headered chunk able to hold size bytes tagged tag.
// roots is the process's current conservative-scan substitute (see
// package doc); gc is invoked in place if collection is required.
func (h *Heap) Alloc(size uint32, tag TypeTag, roots []Ref, gc GCTrigger) (Ref, error) {
	class := sizeClass(size)

	if r, ok := h.popFree(class); ok {
		h.writeHeader(r, header{size: size, tag: tag, next: h.allObjects})
		h.allObjects = r
		h.allocatedBytes += uint64(class) + headerSize
		return r, nil
	}

	if r, ok := h.bumpAlloc(class); ok {
		h.writeHeader(r, header{size: size, tag: tag, next: h.allObjects})
		h.allObjects = r
		h.allocatedBytes += uint64(class) + headerSize
		return r, nil
	}

	// Free list and bump space both exhausted: collect, then decide
	// whether to grow before retrying (spec §4.3 growth policy).
	if gc != nil {
		gc(h)
	} else {
		h.Collect(roots)
	}

	if h.freeFraction() < h.cfg.GrowthThreshold {
		h.addArena()
	}

	if r, ok := h.popFree(class); ok {
		h.writeHeader(r, header{size: size, tag: tag, next: h.allObjects})
		h.allObjects = r
		h.allocatedBytes += uint64(class) + headerSize
		return r, nil
	}
	if r, ok := h.bumpAlloc(class); ok {
		h.writeHeader(r, header{size: size, tag: tag, next: h.allObjects})
		h.allObjects = r
		h.allocatedBytes += uint64(class) + headerSize
		return r, nil
	}

	return NilRef, fmt.Errorf("gcheap: out of memory after collection and growth (requested %d bytes)", size)
}

func (h *Heap) bumpAlloc(class uint32) (Ref, bool) {
	idx := len(h.arenas) - 1
	a := h.arenas[idx]
	need := headerSize + class
	if a.cursor+uint32(need) > uint32(len(a.buf)) {
		return Ref{}, false
	}
	off := a.cursor
	a.cursor += uint32(need)
	return Ref{arena: int32(idx), offset: int32(off)}, true
}

func (h *Heap) popFree(class uint32) (Ref, bool) {
	head, ok := h.freeBuckets[class]
	if !ok || head.IsNil() {
		return Ref{}, false
	}
	hdr := h.readHeader(head)
	h.freeBuckets[class] = hdr.next
	return head, true
}

func (h *Heap) pushFree(r Ref, class uint32) {
	hdr := h.readHeader(r)
	hdr.next = h.freeBuckets[class]
	h.writeHeader(r, hdr)
	h.freeBuckets[class] = r
}

func (h *Heap) freeFraction() float64 {
	var total, free uint64
	for _, a := range h.arenas {
		total += uint64(len(a.buf))
		total -= uint64(a.cursor) // already-bump-allocated space isn't "free"
	}
	for class, head := range h.freeBuckets {
		for r := head; !r.IsNil(); {
			free += uint64(class) + headerSize
			r = h.readHeader(r).next
		}
	}
	var totalArena uint64
	for _, a := range h.arenas {
		totalArena += uint64(len(a.buf))
	}
	if totalArena == 0 {
		return 0
	}
	// Free fraction of the whole arena budget: never-touched bump space
	// plus reclaimed free-list space, matching spec's "free space"
	// framing used to decide growth.
	var untouched uint64
	for _, a := range h.arenas {
		untouched += uint64(len(a.buf)) - uint64(a.cursor)
	}
	return float64(free+untouched) / float64(totalArena)
}

// Payload returns the byte slice backing r's payload (not the header).
func (h *Heap) Payload(r Ref) []byte {
	hdr := h.readHeader(r)
	a := h.arenas[r.arena]
	start := uint32(r.offset) + headerSize
	return a.buf[start : start+hdr.size]
}

// Tag returns the type tag an allocation was created with.
func (h *Heap) Tag(r Ref) TypeTag { return h.readHeader(r).tag }

// WriteRef encodes child into parent's payload at byte offset off —
// used by caller code building composite objects (tuples, cons cells)
// so the collector's descriptor-driven scan can find it later.
func (h *Heap) WriteRef(parent Ref, off int, child Ref) {
	p := h.Payload(parent)
	binary.LittleEndian.PutUint32(p[off:], uint32(child.arena))
	binary.LittleEndian.PutUint32(p[off+4:], uint32(child.offset))
}

// ReadRef is the inverse of WriteRef.
func (h *Heap) ReadRef(parent Ref, off int) Ref {
	p := h.Payload(parent)
	arena := int32(binary.LittleEndian.Uint32(p[off:]))
	offset := int32(binary.LittleEndian.Uint32(p[off+4:]))
	return Ref{arena: arena, offset: offset}
}

func (h *Heap) readHeader(r Ref) header {
	a := h.arenas[r.arena]
	b := a.buf[r.offset : r.offset+headerSize]
	return header{
		size: binary.LittleEndian.Uint32(b[0:4]),
		tag:  TypeTag(binary.LittleEndian.Uint16(b[4:6])),
		mark: b[6] != 0,
		next: Ref{
			arena:  int32(binary.LittleEndian.Uint32(b[8:12])),
			offset: int32(binary.LittleEndian.Uint32(b[12:16])),
		},
	}
}

func (h *Heap) writeHeader(r Ref, hd header) {
	a := h.arenas[r.arena]
	b := a.buf[r.offset : r.offset+headerSize]
	binary.LittleEndian.PutUint32(b[0:4], hd.size)
	binary.LittleEndian.PutUint16(b[4:6], uint16(hd.tag))
	if hd.mark {
		b[6] = 1
	} else {
		b[6] = 0
	}
	b[7] = 0
	binary.LittleEndian.PutUint32(b[8:12], uint32(hd.next.arena))
	binary.LittleEndian.PutUint32(b[12:16], uint32(hd.next.offset))
}

// Collect runs one conservative-substitute mark-sweep pass: mark every
// allocation reachable from roots using a worklist held in ordinary Go
// memory (never inside this heap's arenas, so marking can never trigger
// a re-entrant allocation request against the heap it's scanning), then
// sweep the all-objects list, moving every unmarked allocation to its
// free-list bucket.
func (h *Heap) Collect(roots []Ref) {
	worklist := make([]Ref, 0, len(roots))
	worklist = append(worklist, roots...)

	for len(worklist) > 0 {
		n := len(worklist) - 1
		r := worklist[n]
		worklist = worklist[:n]
		if r.IsNil() {
			continue
		}
		hdr := h.readHeader(r)
		if hdr.mark {
			continue
		}
		hdr.mark = true
		h.writeHeader(r, hdr)

		if desc, ok := h.descriptors[hdr.tag]; ok {
			for _, off := range desc.PointerOffsets {
				child := h.ReadRef(r, off)
				if !child.IsNil() {
					worklist = append(worklist, child)
				}
			}
		}
	}

	var survivors Ref = NilRef
	var tail *Ref
	for cur := h.allObjects; !cur.IsNil(); {
		hdr := h.readHeader(cur)
		next := hdr.next
		if hdr.mark {
			hdr.mark = false
			survivorRef := cur
			hdr.next = NilRef
			h.writeHeader(survivorRef, hdr)
			if tail == nil {
				survivors = survivorRef
			} else {
				t := h.readHeader(*tail)
				t.next = survivorRef
				h.writeHeader(*tail, t)
			}
			tailCopy := survivorRef
			tail = &tailCopy
		} else {
			h.freedBytes += uint64(hdr.size) + headerSize
			h.pushFree(cur, sizeClass(hdr.size))
		}
		cur = next
	}
	h.allObjects = survivors
}

// CopyInto deep-copies the object graph rooted at r from src into dst,
// returning the corresponding root Ref in dst. This is the mechanism
// behind "a send between local processes deep-copies the payload into
// the recipient's heap": no interior pointer of src is ever reachable
// from dst afterwards. Shared and cyclic structure is preserved via a
// seen-map, and every object copied so far is kept in dst's root set
// for the duration of the copy so a collection triggered mid-copy
// cannot reclaim half-built structure.
// dstRoots must carry the destination process's current root set, so a
// collection triggered by an allocation mid-copy still sees the
// recipient's own live data.
func CopyInto(dst, src *Heap, r Ref, dstRoots []Ref) (Ref, error) {
	seen := make(map[Ref]Ref)
	liveCopies := append([]Ref(nil), dstRoots...)
	return copyObject(dst, src, r, seen, &liveCopies)
}

func copyObject(dst, src *Heap, r Ref, seen map[Ref]Ref, liveCopies *[]Ref) (Ref, error) {
	if r.IsNil() {
		return NilRef, nil
	}
	if copied, ok := seen[r]; ok {
		return copied, nil
	}

	hdr := src.readHeader(r)
	out, err := dst.Alloc(hdr.size, hdr.tag, *liveCopies, nil)
	if err != nil {
		return NilRef, err
	}
	copy(dst.Payload(out), src.Payload(r))
	seen[r] = out
	*liveCopies = append(*liveCopies, out)

	if desc, ok := src.descriptors[hdr.tag]; ok {
		for _, off := range desc.PointerOffsets {
			child := src.ReadRef(r, off)
			copiedChild, err := copyObject(dst, src, child, seen, liveCopies)
			if err != nil {
				return NilRef, err
			}
			dst.WriteRef(out, off, copiedChild)
		}
	}
	return out, nil
}

// Stats exposes bookkeeping counters for the admin surface.
type Stats struct {
	Arenas         int
	AllocatedBytes uint64
	FreedBytes     uint64
}

func (h *Heap) Stats() Stats {
	return Stats{Arenas: len(h.arenas), AllocatedBytes: h.allocatedBytes, FreedBytes: h.freedBytes}
}
