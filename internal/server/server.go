// Package server exposes the coordinator over gRPC.
//
// The service is declared by hand with structpb messages, so no generated
// stubs are needed on either side.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/auth"
	"github.com/ChuLiYu/stagecoach/internal/bus"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/router"
	"github.com/ChuLiYu/stagecoach/internal/tokens"
	"github.com/ChuLiYu/stagecoach/internal/tracker"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var log = logrus.WithField("component", "grpc")

// ServiceName is the fully qualified gRPC service.
const ServiceName = "stagecoach.v1.Coordinator"

// Backend is what the service needs from the coordinator.
type Backend interface {
	Advance(ctx context.Context, pipelineName string, req tracker.Request) (tracker.Result, error)
	Fail(ctx context.Context, pipelineName string, id types.JobID, status, message string) (tracker.Result, error)
	Snapshot(pipelineName string, id types.JobID) (types.JobSnapshot, error)
	Events(ctx context.Context, pipelineName string, id types.JobID) ([]types.ProgressEvent, error)
	IssueToken(ctx context.Context, req tokens.IssueRequest) (tokens.Issued, error)
	Complete(ctx context.Context, token string, output map[string]any) (tracker.Result, error)
	Route(event map[string]any) router.Decision
}

// CoordinatorServer is the handler type registered with grpc.
type CoordinatorServer interface {
	backend() Backend
}

// Server implements stagecoach.v1.Coordinator.
type Server struct {
	b Backend
}

func NewServer(b Backend) *Server {
	return &Server{b: b}
}

func (s *Server) backend() Backend { return s.b }

// ============================================================================
// Service descriptor
// ============================================================================

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Advance", (*Server).advance),
		unary("GetJob", (*Server).getJob),
		unary("IssueToken", (*Server).issueToken),
		unary("Redeem", (*Server).redeem),
		unary("Route", (*Server).route),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stagecoach/v1/coordinator.proto",
}

// readOnly methods bypass the auth interceptor.
var readOnly = map[string]bool{
	"/" + ServiceName + "/GetJob": true,
}

func unary[Req, Resp any](name string, call func(*Server, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				var r Req
				if err := decode(req.(*structpb.Struct), &r); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
				}
				out, err := call(srv.(*Server), ctx, &r)
				if err != nil {
					return nil, toStatus(err)
				}
				return encode(out)
			}
			if ic == nil {
				return handler(ctx, in)
			}
			return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handler)
		},
	}
}

// Register attaches the service to a grpc.Server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// NewGRPCServer builds a grpc.Server with logging and auth interceptors
// and the service registered.
func NewGRPCServer(b Backend, a auth.Authorizer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor(), AuthInterceptor(a)))
	g := grpc.NewServer(opts...)
	NewServer(b).Register(g)
	return g
}

// Serve runs g on addr until ctx is cancelled; see ServeListener.
func Serve(ctx context.Context, g *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	log.WithField("addr", lis.Addr().String()).Info("gRPC server listening")
	return ServeListener(ctx, g, lis)
}

// ServeListener serves g on lis until ctx is cancelled. It returns only
// after GracefulStop has drained every in-flight call.
func ServeListener(ctx context.Context, g *grpc.Server, lis net.Listener) error {
	exited := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-exited:
		}
		g.GracefulStop()
	}()
	err := g.Serve(lis)
	close(exited)
	<-stopped
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ============================================================================
// Methods
// ============================================================================

func (s *Server) advance(ctx context.Context, req *AdvanceRequest) (AdvanceReply, error) {
	var (
		res tracker.Result
		err error
	)
	if req.Fail {
		res, err = s.b.Fail(ctx, req.Pipeline, types.JobID(req.ID), req.Status, req.Message)
	} else {
		if req.Percentage == nil {
			return AdvanceReply{}, fmt.Errorf("%w: percentage is required", tracker.ErrValidation)
		}
		res, err = s.b.Advance(ctx, req.Pipeline, tracker.Request{
			JobID:      types.JobID(req.ID),
			Stage:      types.StageName(req.Stage),
			Status:     req.Status,
			Message:    req.Message,
			Percentage: *req.Percentage,
		})
	}
	if err != nil {
		return AdvanceReply{}, err
	}
	return AdvanceReply{Accepted: res.Accepted, Duplicate: res.Duplicate, Snapshot: res.Snapshot}, nil
}

func (s *Server) getJob(ctx context.Context, req *GetJobRequest) (GetJobReply, error) {
	snap, err := s.b.Snapshot(req.Pipeline, types.JobID(req.ID))
	if err != nil {
		return GetJobReply{}, err
	}
	reply := GetJobReply{Snapshot: snap}
	if req.History {
		if reply.Events, err = s.b.Events(ctx, req.Pipeline, types.JobID(req.ID)); err != nil {
			return GetJobReply{}, err
		}
	}
	return reply, nil
}

func (s *Server) issueToken(ctx context.Context, req *IssueTokenRequest) (IssueTokenReply, error) {
	if req.TTLSeconds < 0 {
		return IssueTokenReply{}, tokens.ErrInvalidTTL
	}
	iss, err := s.b.IssueToken(ctx, tokens.IssueRequest{
		JobID:    types.JobID(req.ID),
		Pipeline: req.Pipeline,
		Stage:    types.StageName(req.Stage),
		Work:     req.Work,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		return IssueTokenReply{}, err
	}
	return IssueTokenReply{
		Token:     iss.Token,
		WorkID:    iss.Record.WorkID,
		JobID:     iss.Record.JobID,
		Stage:     iss.Record.Stage,
		Work:      iss.Record.Work,
		ExpiresAt: iss.Record.ExpiresAt,
	}, nil
}

func (s *Server) redeem(ctx context.Context, req *RedeemRequest) (RedeemReply, error) {
	res, err := s.b.Complete(ctx, req.Token, withoutDenied(ctx, req.Output))
	if err != nil {
		return RedeemReply{}, err
	}
	return RedeemReply{Snapshot: res.Snapshot}, nil
}

func (s *Server) route(ctx context.Context, event *map[string]any) (RouteReply, error) {
	d := s.b.Route(withoutDenied(ctx, *event))
	return RouteReply{Branch: d.Branch, Data: d.Data}, nil
}

// ============================================================================
// Errors
// ============================================================================

// Code maps a domain error to a gRPC code.
func Code(err error) codes.Code {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, tracker.ErrValidation), errors.Is(err, tokens.ErrValidation), errors.Is(err, pipeline.ErrInvalidPipeline):
		return codes.InvalidArgument
	case errors.Is(err, tracker.ErrUnknownJob):
		return codes.NotFound
	case errors.Is(err, tracker.ErrOutOfOrderStage), errors.Is(err, tracker.ErrNoFailureStage):
		return codes.FailedPrecondition
	case errors.Is(err, tracker.ErrNotFound), errors.Is(err, pipeline.ErrUnknownPipeline), errors.Is(err, tokens.ErrUnknownToken):
		return codes.NotFound
	case errors.Is(err, tokens.ErrAlreadyRedeemed):
		return codes.AlreadyExists
	case errors.Is(err, tokens.ErrExpired), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, bus.ErrPublishFailed):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// ============================================================================
// Interceptors
// ============================================================================

type decisionKey struct{}

// AuthInterceptor checks the bearer credential in the authorization
// metadata of every mutating call.
func AuthInterceptor(a auth.Authorizer) grpc.UnaryServerInterceptor {
	if a == nil {
		a = auth.AllowAll{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if readOnly[info.FullMethod] {
			return handler(ctx, req)
		}
		var credential string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				credential = auth.BearerToken(v[0])
			}
		}
		d, err := auth.Check(ctx, a, credential)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid credential")
		}
		return handler(context.WithValue(ctx, decisionKey{}, d), req)
	}
}

// LoggingInterceptor logs each call at debug level and failures at warn.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := log.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start),
		})
		if err != nil && status.Code(err) == codes.Internal {
			entry.WithError(err).Warn("rpc failed")
		} else {
			entry.Debug("rpc")
		}
		return resp, err
	}
}

func withoutDenied(ctx context.Context, m map[string]any) map[string]any {
	d, ok := ctx.Value(decisionKey{}).(auth.Decision)
	if !ok || len(d.DeniedFields) == 0 || m == nil {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, f := range d.DeniedFields {
		delete(out, f)
	}
	return out
}
