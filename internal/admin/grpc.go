package admin

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"gemini_proxy/internal/obs"
)

const (
	statsServiceName    = "proxystats.v1.Stats"
	snapshotFullMethod  = "/" + statsServiceName + "/Snapshot"
	defaultStopDeadline = 5 * time.Second
)

// StatsServer answers the stats snapshot rpc.
type StatsServer interface {
	Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var statsServiceDesc = grpc.ServiceDesc{
	ServiceName: statsServiceName,
	HandlerType: (*StatsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proxystats/v1/stats.proto",
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatsServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatsServer).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type statsService struct {
	stats   StatsSource
	metrics *obs.Metrics
}

func (s *statsService) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.stats == nil {
		return nil, status.Error(codes.Unavailable, "stats unavailable")
	}
	snapshot, err := structpb.NewStruct(buildView(s.stats, s.metrics).fields())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	return snapshot, nil
}

// FetchSnapshot calls the stats snapshot rpc on conn.
func FetchSnapshot(ctx context.Context, conn grpc.ClientConnInterface) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, snapshotFullMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCConfig struct {
	Stats   StatsSource
	Metrics *obs.Metrics
	Health  *Health
	Logger  *obs.Logger
}

type GRPCServer struct {
	Addr   string
	server *grpc.Server
	logger *obs.Logger
}

func NewGRPCServer(cfg GRPCConfig) *GRPCServer {
	logger := cfg.Logger
	if logger == nil {
		logger = obs.Nop()
	}
	server := grpc.NewServer(grpc.UnaryInterceptor(logUnary(logger)))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	if cfg.Health == nil {
		cfg.Health = NewHealth()
	}
	cfg.Health.attach(healthServer)

	server.RegisterService(&statsServiceDesc, &statsService{stats: cfg.Stats, metrics: cfg.Metrics})
	return &GRPCServer{server: server, logger: logger}
}

// Serve runs the server on ln until Stop.
func (s *GRPCServer) Serve(ln net.Listener) {
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.logger.Error("grpc_error", err).Str("addr", ln.Addr().String()).Msg("grpc listener failed")
	}
}

func StartGRPC(addr string, cfg GRPCConfig) (*GRPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := NewGRPCServer(cfg)
	s.Addr = ln.Addr().String()
	go s.Serve(ln)
	return s, nil
}

// Stop drains in-progress rpcs and falls back to a hard stop when ctx ends.
func (s *GRPCServer) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultStopDeadline)
		defer cancel()
	}
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		<-done
		return ctx.Err()
	}
}

func logUnary(logger *obs.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Event(obs.LevelVerbose, "grpc_call").
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc call")
		return resp, err
	}
}
