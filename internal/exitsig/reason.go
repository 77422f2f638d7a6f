// Package exitsig implements exit reason encoding, the symmetric link
// graph, one-shot monitors, and the termination propagation path
// (spec §4.6).
package exitsig

import (
	"encoding/binary"
	"fmt"

	"github.com/meshlang/actor/internal/pid"
)

// Kind is the exit reason's tag byte (spec §3 "Exit Reason").
type Kind uint8

const (
	Normal   Kind = 0 // does not cascade
	Shutdown Kind = 1 // non-crashing, does not cascade
	Killed   Kind = 2 // untrappable, cascades
	Error    Kind = 3 // crashing, cascades
	Custom   Kind = 4 // crashing, cascades
	Linked   Kind = 5 // the receiving end of propagation
)

// Reason is the structured sum value carried by exit signals.
type Reason struct {
	Kind    Kind
	Message string // Error/Custom payload

	// LinkedFrom/LinkedReason are populated only when Kind == Linked:
	// the pid that died and the reason it died with.
	LinkedFrom   pid.Pid
	LinkedReason *Reason
}

func (r Reason) String() string {
	switch r.Kind {
	case Normal:
		return "normal"
	case Shutdown:
		return "shutdown"
	case Killed:
		return "killed"
	case Error:
		return fmt.Sprintf("error(%s)", r.Message)
	case Custom:
		return fmt.Sprintf("custom(%s)", r.Message)
	case Linked:
		return fmt.Sprintf("linked(%s, %s)", r.LinkedFrom, r.LinkedReason)
	default:
		return "unknown"
	}
}

// Cascades reports whether this reason propagates to linked,
// non-trapping peers. Only Normal and Shutdown do not cascade.
func (r Reason) Cascades() bool {
	return r.Kind != Normal && r.Kind != Shutdown
}

// ReasonNormal, ReasonShutdown and ReasonKilled are the argument-free
// reasons; Errorf/Customf build the string-carrying ones.
func ReasonNormal() Reason   { return Reason{Kind: Normal} }
func ReasonShutdown() Reason { return Reason{Kind: Shutdown} }
func ReasonKilled() Reason   { return Reason{Kind: Killed} }

func Errorf(format string, args ...any) Reason {
	return Reason{Kind: Error, Message: fmt.Sprintf(format, args...)}
}

func Customf(format string, args ...any) Reason {
	return Reason{Kind: Custom, Message: fmt.Sprintf(format, args...)}
}

// WrapLinked builds the `Linked(pid, reason)` reason a non-trapping
// process observes when a linked peer dies.
func WrapLinked(from pid.Pid, reason Reason) Reason {
	r := reason
	return Reason{Kind: Linked, LinkedFrom: from, LinkedReason: &r}
}

// Encode renders a Reason into the tag-byte + body shape used by the
// distribution wire format (spec §4.9): a version-free, self-contained
// body since the wire codec wraps this as one Value.
func Encode(r Reason) []byte {
	switch r.Kind {
	case Normal, Shutdown, Killed:
		return []byte{byte(r.Kind)}
	case Error, Custom:
		msg := []byte(r.Message)
		buf := make([]byte, 1+4+len(msg))
		buf[0] = byte(r.Kind)
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(msg)))
		copy(buf[5:], msg)
		return buf
	case Linked:
		inner := Encode(*r.LinkedReason)
		pidBytes := pid.Encode(r.LinkedFrom)
		buf := make([]byte, 1+8+len(inner))
		buf[0] = byte(r.Kind)
		copy(buf[1:9], pidBytes[:])
		copy(buf[9:], inner)
		return buf
	default:
		panic(fmt.Sprintf("exitsig: unknown reason kind %d", r.Kind))
	}
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Reason, int) {
	if len(b) == 0 {
		panic("exitsig: empty reason encoding")
	}
	kind := Kind(b[0])
	switch kind {
	case Normal, Shutdown, Killed:
		return Reason{Kind: kind}, 1
	case Error, Custom:
		n := binary.BigEndian.Uint32(b[1:5])
		msg := string(b[5 : 5+n])
		return Reason{Kind: kind, Message: msg}, int(5 + n)
	case Linked:
		var pidBytes [8]byte
		copy(pidBytes[:], b[1:9])
		from := pid.Decode(pidBytes)
		inner, n := Decode(b[9:])
		return Reason{Kind: Linked, LinkedFrom: from, LinkedReason: &inner}, 9 + n
	default:
		panic(fmt.Sprintf("exitsig: unknown reason tag %d", kind))
	}
}
