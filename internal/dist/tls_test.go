package dist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEphemeralTLSMode(t *testing.T) {
	cfg := Config{NodeID: 4, ClusterCookie: "c"}

	srv, err := serverTLSConfig(cfg)
	require.NoError(t, err)
	require.Len(t, srv.Certificates, 1)

	cli, err := clientTLSConfig(cfg)
	require.NoError(t, err)
	// With no CA to vouch for the ephemeral cert, the channel is
	// encrypted but authentication rides on the signed cookie.
	require.True(t, cli.InsecureSkipVerify)
}

func TestClientTLSConfigRejectsMissingCAFile(t *testing.T) {
	_, err := clientTLSConfig(Config{NodeID: 1, TLSCAFile: "/does/not/exist.pem"})
	require.Error(t, err)
}

func TestServerTLSConfigRejectsMissingKeyPair(t *testing.T) {
	_, err := serverTLSConfig(Config{NodeID: 1, TLSCertFile: "/does/not/exist.crt", TLSKeyFile: "/does/not/exist.key"})
	require.Error(t, err)
}
