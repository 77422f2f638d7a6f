package dist

import (
	"testing"

	"github.com/meshlang/actor/internal/dist/wire"
	"github.com/meshlang/actor/internal/pid"
	"github.com/stretchr/testify/require"
)

// The rewriting pair is what keeps the locality branch bit-exact: a
// local pid (node 0) leaves this node carrying the node's cluster id,
// and a pid naming the receiving node comes back as node 0 on arrival.
func TestPidRewritingRoundTrip(t *testing.T) {
	r, err := New(Config{NodeID: 3, ClusterCookie: "c"}, nil, nil)
	require.NoError(t, err)

	local := pid.New(0, 1, 99)
	out := r.rewritePids(local, r.outboundPid).(pid.Pid)
	require.Equal(t, uint16(3), out.Node())
	require.Equal(t, local.Local(), out.Local())

	back := r.rewritePids(out, r.inboundPid).(pid.Pid)
	require.Equal(t, local, back)
}

func TestPidRewritingLeavesThirdPartyPidsAlone(t *testing.T) {
	r, err := New(Config{NodeID: 3, ClusterCookie: "c"}, nil, nil)
	require.NoError(t, err)

	other := pid.New(7, 0, 5)
	require.Equal(t, other, r.rewritePids(other, r.outboundPid))
	require.Equal(t, other, r.rewritePids(other, r.inboundPid))
}

func TestPidRewritingWalksComposites(t *testing.T) {
	r, err := New(Config{NodeID: 2, ClusterCookie: "c"}, nil, nil)
	require.NoError(t, err)

	local := pid.New(0, 0, 10)
	v := wire.Struct{Name: "Envelope", Fields: []wire.Field{
		{Name: "reply_to", Value: local},
		{Name: "targets", Value: wire.Tuple{local, "not-a-pid", wire.Option{Some: true, Value: local}}},
	}}

	out := r.rewritePids(v, r.outboundPid).(wire.Struct)
	require.Equal(t, pid.New(2, 0, 10), out.Fields[0].Value)
	tup := out.Fields[1].Value.(wire.Tuple)
	require.Equal(t, pid.New(2, 0, 10), tup[0])
	require.Equal(t, "not-a-pid", tup[1])
	require.Equal(t, pid.New(2, 0, 10), tup[2].(wire.Option).Value)
}
