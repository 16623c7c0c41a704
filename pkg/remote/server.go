package remote

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// Server exposes an EntityStore over gRPC. Registrations still executing
// are reported as IN_PROGRESS.
type Server struct {
	backend EntityStore
	grpc    *grpc.Server
	logger  zerolog.Logger

	mu       sync.Mutex
	inFlight map[types.RegistrationID]struct{}
}

// NewServer creates a gRPC server in front of backend
func NewServer(backend EntityStore) *Server {
	logger := log.WithComponent("entity-store")
	s := &Server{
		backend:  backend,
		logger:   logger,
		inFlight: make(map[types.RegistrationID]struct{}),
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)))
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Start listens on addr and serves until Stop is called
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Entity store listening")
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) DrawRegistrationID(ctx context.Context, _ *DrawRegistrationIDRequest) (*DrawRegistrationIDResponse, error) {
	id, err := s.backend.DrawRegistrationID(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DrawRegistrationIDResponse{ID: id}, nil
}

func (s *Server) CreateDataSetCode(ctx context.Context, _ *CreateDataSetCodeRequest) (*CreateDataSetCodeResponse, error) {
	code, err := s.backend.CreateDataSetCode(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CreateDataSetCodeResponse{Code: code}, nil
}

func (s *Server) RegisterMetadata(ctx context.Context, req *RegisterMetadataRequest) (*RegisterMetadataResponse, error) {
	if !req.ID.IsSet() {
		return nil, toStatus(Error.New("registration id is required"))
	}

	s.mu.Lock()
	if _, busy := s.inFlight[req.ID]; busy {
		s.mu.Unlock()
		return nil, toStatus(Error.Wrap(ErrDuplicateRegistration))
	}
	s.inFlight[req.ID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, req.ID)
		s.mu.Unlock()
	}()

	// the client may give up waiting; the registration must still complete
	// or fail as a whole
	ctx = context.WithoutCancel(ctx)
	if err := s.backend.RegisterMetadata(ctx, req.ID, req.Mutations); err != nil {
		return nil, toStatus(err)
	}
	return &RegisterMetadataResponse{}, nil
}

func (s *Server) DidEntityOperationsSucceed(ctx context.Context, req *OperationsStateRequest) (*OperationsStateResponse, error) {
	s.mu.Lock()
	_, busy := s.inFlight[req.ID]
	s.mu.Unlock()
	if busy {
		return &OperationsStateResponse{State: types.EntityOperationsInProgress}, nil
	}

	state, err := s.backend.DidEntityOperationsSucceed(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &OperationsStateResponse{State: state}, nil
}

func (s *Server) ConfirmStorage(ctx context.Context, req *ConfirmStorageRequest) (*ConfirmStorageResponse, error) {
	ok, err := s.backend.ConfirmStorage(ctx, req.Code)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ConfirmStorageResponse{Confirmed: ok}, nil
}

func (s *Server) Ping(ctx context.Context, _ *PingRequest) (*PingResponse, error) {
	if err := s.backend.Ping(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &PingResponse{}, nil
}

// LoggingInterceptor logs every call with its duration and error
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Msg("Entity store call")
		return resp, err
	}
}
