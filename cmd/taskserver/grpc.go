package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	api "github.com/nixpig/taskworker/api/v1"
	"github.com/nixpig/taskworker/internal/config"
	"github.com/nixpig/taskworker/internal/stats"
	"github.com/nixpig/taskworker/internal/taskmanager"
	"github.com/nixpig/taskworker/internal/tlsconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type grpcServer struct {
	api.UnimplementedTaskServiceServer

	manager *taskmanager.Manager
	stats   *stats.Sink
	logger  *slog.Logger
	cfg     config.GRPCConfig

	grpcServer *grpc.Server

	// done is closed on shutdown to end open log streams.
	done     chan struct{}
	doneOnce sync.Once
}

func newGRPCServer(
	manager *taskmanager.Manager,
	sink *stats.Sink,
	logger *slog.Logger,
	cfg config.GRPCConfig,
) (*grpcServer, error) {
	s := &grpcServer{
		manager: manager,
		stats:   sink,
		logger:  logger.With("component", "grpc"),
		cfg:     cfg,
		done:    make(chan struct{}),
	}

	tlsCreds, err := s.loadTLSCreds()
	if err != nil {
		return nil, fmt.Errorf("load TLS credentials: %w", err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			contextCheckUnaryInterceptor,
			authUnaryInterceptor(s.logger),
		),
		grpc.ChainStreamInterceptor(
			contextCheckStreamInterceptor,
			authStreamInterceptor(s.logger),
		),
		grpc.Creds(tlsCreds),
	)

	api.RegisterTaskServiceServer(s.grpcServer, s)

	return s, nil
}

func (s *grpcServer) start(listener net.Listener) error {
	return s.grpcServer.Serve(listener)
}

// shutdown ends open log streams and waits for in-flight calls, forcing the
// server closed if ctx is done first.
func (s *grpcServer) shutdown(ctx context.Context) {
	s.doneOnce.Do(func() { close(s.done) })

	stopped := make(chan struct{})

	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("forcing grpc server stop", "err", ctx.Err())
		s.grpcServer.Stop()
	}
}

func (s *grpcServer) CreateTask(
	ctx context.Context,
	req *structpb.Struct,
) (*wrapperspb.StringValue, error) {
	r, err := api.ParseCreateTaskRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	id, err := s.manager.CreateTask(taskmanager.Params{
		Credentials: r.Credentials,
		Target:      r.Target,
		Prefix:      r.Prefix,
		Interval:    r.Interval,
		Messages:    r.Messages,
		Once:        r.Once,
	})
	if err != nil {
		return nil, s.mapError("create task", err)
	}

	return wrapperspb.String(id), nil
}

func (s *grpcServer) StopTask(
	ctx context.Context,
	req *wrapperspb.StringValue,
) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "id is empty")
	}

	if err := s.manager.StopTask(req.GetValue()); err != nil {
		return nil, s.mapError("stop task", err)
	}

	return &emptypb.Empty{}, nil
}

func (s *grpcServer) ListTasks(
	ctx context.Context,
	_ *emptypb.Empty,
) (*structpb.ListValue, error) {
	tasks, err := s.manager.ListTasks(ctx)
	if err != nil {
		return nil, s.mapError("list tasks", err)
	}

	values := make([]any, 0, len(tasks))

	for _, t := range tasks {
		values = append(values, map[string]any{
			"task_id": t.ID,
			"running": t.Running,
			"state":   t.State.String(),
		})
	}

	list, err := structpb.NewList(values)
	if err != nil {
		return nil, s.mapError("encode tasks", err)
	}

	return list, nil
}

func (s *grpcServer) StreamTaskLogs(
	req *wrapperspb.StringValue,
	stream api.TaskService_StreamTaskLogsServer,
) error {
	id := req.GetValue()
	if id == "" {
		return status.Error(codes.InvalidArgument, "id is empty")
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	lines, err := s.manager.TailTask(ctx, id)
	if err != nil {
		return s.mapError("tail task", err)
	}

	for line := range lines {
		if err := stream.Send(wrapperspb.String(line)); err != nil {
			s.logger.Warn("stream log line to client", "task_id", id, "err", err)
			return status.Error(codes.DataLoss, "failed to stream data")
		}
	}

	if err := stream.Context().Err(); err != nil {
		return status.FromContextError(err).Err()
	}

	return nil
}

func (s *grpcServer) GetStats(
	ctx context.Context,
	_ *emptypb.Empty,
) (*structpb.Struct, error) {
	snap, err := s.stats.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("stats snapshot", "err", err)
	}

	fields := map[string]any{
		"attempts":     snap.Attempts,
		"errors":       snap.Errors,
		"uptime":       snap.UptimeString(),
		"started":      snap.Started.Format(time.RFC3339),
		"current_time": snap.CurrentTime.Format(time.RFC3339),
	}

	if h := snap.Host; h != nil {
		fields["host"] = map[string]any{
			"cpu_percent":    h.CPUPercent,
			"memory_used":    h.MemoryUsed,
			"memory_total":   h.MemoryTotal,
			"memory_percent": h.MemoryPercent,
			"memory":         h.Memory,
			"goroutines":     h.Goroutines,
		}
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, s.mapError("encode stats", err)
	}

	return st, nil
}

// mapError translates taskmanager errors to gRPC errors.
func (s *grpcServer) mapError(logMsg string, err error) error {
	switch {
	case errors.As(err, new(taskmanager.ValidationError)):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, taskmanager.ErrTaskNotFound):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.NotFound, err.Error())

	case errors.As(err, new(taskmanager.InvalidStateError)):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.FailedPrecondition, err.Error())

	default:
		s.logger.Error(logMsg, "err", err)
		return status.Error(codes.Internal, "internal server error")
	}
}

// loadTLSCreds creates the gRPC transport credentials with mTLS enabled.
func (s *grpcServer) loadTLSCreds() (credentials.TransportCredentials, error) {
	tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
		CertPath:   s.cfg.CertPath,
		KeyPath:    s.cfg.KeyPath,
		CACertPath: s.cfg.CACertPath,
		Server:     true,
	})
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}

// contextCheckStreamInterceptor rejects streams with a cancelled context.
func contextCheckStreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if ss.Context().Err() != nil {
		return status.FromContextError(ss.Context().Err()).Err()
	}

	return handler(srv, ss)
}
