// Package pid defines the process identifier: an opaque 64-bit handle
// that is the currency of every scheduler, mailbox, link and
// distribution operation.
package pid

import (
	"encoding/binary"
	"fmt"
)

// Pid is partitioned as: upper 16 bits node id (0 = local), next 8 bits
// incarnation counter for that node, low 40 bits process-local id.
//
// It is cheaply copyable, comparable and hashable by design (a plain
// uint64), and never allocates.
type Pid uint64

const (
	nodeShift  = 48
	incShift   = 40
	localMask  = (uint64(1) << 40) - 1
	nodeMask   = uint64(0xFFFF) << nodeShift
	incMask    = uint64(0xFF) << incShift
	MaxLocalID = localMask
)

// Nil is the zero value; it never refers to a live process.
const Nil Pid = 0

// signal is the reserved sentinel ("all bits one") for "this is an exit
// signal," distinct from any valid Pid value (Pid 0 is also never a
// valid process identifier, so both ends of the uint64 range are free
// for sentinels). Mailbox envelopes mark exit signals with their own
// tag (mailbox.TagExitSignal), not with this value.
const signal Pid = ^Pid(0)

// IsExitSignalSentinel reports whether p is the reserved exit-signal tag
// rather than an addressable process identifier.
func IsExitSignalSentinel(p Pid) bool { return p == signal }

// ExitSignalSentinel returns the reserved sentinel value.
func ExitSignalSentinel() Pid { return signal }

// New packs a node id, incarnation and local id into a Pid. local must
// fit in 40 bits; callers (the scheduler for local pids, the
// distribution decoder for remote ones) are expected to hand out
// local ids sequentially and never reuse one while its process lives.
func New(node uint16, incarnation uint8, local uint64) Pid {
	if local > localMask {
		panic(fmt.Sprintf("pid: local id %d overflows 40 bits", local))
	}
	return Pid(uint64(node)<<nodeShift | uint64(incarnation)<<incShift | (local & localMask))
}

// Node returns the embedded node id. Zero means local to this runtime.
func (p Pid) Node() uint16 { return uint16((uint64(p) & nodeMask) >> nodeShift) }

// Incarnation returns the embedded per-node restart counter.
func (p Pid) Incarnation() uint8 { return uint8((uint64(p) & incMask) >> incShift) }

// Local returns the low 40 bits: the process-local id.
func (p Pid) Local() uint64 { return uint64(p) & localMask }

// IsLocal reports whether p names a process on this node.
func (p Pid) IsLocal() bool { return p.Node() == 0 }

// IsNil reports the zero value, which never addresses a live process.
func (p Pid) IsNil() bool { return p == Nil }

// String renders a Pid in the conventional "<node.incarnation.local>" form.
func (p Pid) String() string {
	return fmt.Sprintf("<%d.%d.%d>", p.Node(), p.Incarnation(), p.Local())
}

// Encode writes the fixed 8-byte big-endian wire representation used by
// the distribution wire format (spec §4.1, §4.9).
func Encode(p Pid) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(p))
	return b
}

// Decode is the inverse of Encode.
func Decode(b [8]byte) Pid {
	return Pid(binary.BigEndian.Uint64(b[:]))
}
