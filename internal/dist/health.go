package dist

import (
	"context"
	"fmt"
	"net"

	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// cookieMetadataKey is the gRPC metadata key a connecting peer presents
// its handshake cookie under.
const cookieMetadataKey = "x-mesh-cookie"

// ControlPlane is the per-node gRPC server exposing grpc_health_v1, the
// standard health-check service shipped with grpc-go, used here as the
// liveness/handshake surface spec §4.9 calls "an authenticated TLS
// transport [with] a liveness heartbeat" — the server runs TLS (see
// tls.go), health checks are the heartbeat, and the stream-auth
// interceptor enforces the cookie (grounded on the teacher's
// infra/server/grpc/interceptors.stream_auth).
type ControlPlane struct {
	ClusterCookie string
	NodeID        uint16

	srv    *grpc.Server
	health *health.Server
}

// NewControlPlane builds the TLS-serving control plane; call Serve to
// start accepting.
func NewControlPlane(cfg Config) (*ControlPlane, error) {
	tlsCfg, err := serverTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	cp := &ControlPlane{ClusterCookie: cfg.ClusterCookie, NodeID: cfg.NodeID, health: health.NewServer()}
	cp.srv = grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsCfg)),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(grpcauth.UnaryServerInterceptor(cp.authFunc)),
		grpc.ChainStreamInterceptor(grpcauth.StreamServerInterceptor(cp.authFunc)),
	)
	grpc_health_v1.RegisterHealthServer(cp.srv, cp.health)
	cp.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return cp, nil
}

// Serve blocks accepting connections on lis.
func (cp *ControlPlane) Serve(lis net.Listener) error {
	return cp.srv.Serve(lis)
}

// Stop gracefully stops the server.
func (cp *ControlPlane) Stop() { cp.srv.GracefulStop() }

// authFunc is the grpc-middleware auth.AuthFunc: verify the handshake
// cookie presented in call metadata before any RPC (here, just health
// checks) is allowed through, mirroring the teacher's
// NewStreamAuthInterceptor but via the pack's real auth-interceptor
// package instead of a hand-rolled wrappedStream.
func (cp *ControlPlane) authFunc(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "dist: missing handshake metadata")
	}
	vals := md.Get(cookieMetadataKey)
	if len(vals) != 1 {
		return ctx, status.Error(codes.Unauthenticated, "dist: missing cluster cookie")
	}
	peerNode, err := VerifyCookie(cp.ClusterCookie, vals[0])
	if err != nil {
		return ctx, status.Errorf(codes.Unauthenticated, "dist: %v", err)
	}
	return context.WithValue(ctx, peerNodeContextKey{}, peerNode), nil
}

// peerNodeContextKey is the context key PeerNodeID reads back.
type peerNodeContextKey struct{}

// PeerNodeID extracts the node id authFunc verified for the calling
// peer, for handlers that need to know who's asking.
func PeerNodeID(ctx context.Context) (uint16, bool) {
	v, ok := ctx.Value(peerNodeContextKey{}).(uint16)
	return v, ok
}

// DialPeer opens a TLS control-plane connection to a peer node,
// presenting this node's handshake cookie on every call.
func DialPeer(ctx context.Context, addr string, cfg Config, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	token, err := MintCookie(cfg.ClusterCookie, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("dist: mint handshake cookie: %w", err)
	}
	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(cookieUnaryInterceptor(token)),
		grpc.WithStreamInterceptor(cookieStreamInterceptor(token)),
	)
	return grpc.DialContext(ctx, addr, opts...)
}

func cookieUnaryInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, cookieMetadataKey, token)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func cookieStreamInterceptor(token string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx = metadata.AppendToOutgoingContext(ctx, cookieMetadataKey, token)
		return streamer(ctx, desc, cc, method, opts...)
	}
}

// CheckHealth calls the standard health RPC against an already-dialed
// peer connection, used by the periodic liveness sweep (Router.Sweep in
// router.go).
func CheckHealth(ctx context.Context, conn *grpc.ClientConn) error {
	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("dist: peer health status is %s", resp.Status)
	}
	return nil
}
