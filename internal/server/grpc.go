package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/query"
	"PerpVault/internal/reward"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// APISource is the sequencing source for API commands that carry none.
const APISource = "api"

// Submitter hands commands to the core and waits for the receipt.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Event) (core.Receipt, error)
	SubmitSequenced(ctx context.Context, source string, cmd event.Event) (core.Receipt, error)
}

// jsonCodec carries plain Go structs over gRPC. Clients select it with
// grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCServer serves the Commands and Query services.
type GRPCServer struct {
	grpcServer *grpc.Server
	grpcAddr   string
	health     *health.Server
}

// ServerDeps holds what the services need.
type ServerDeps struct {
	Commands Submitter
	Query    *query.QueryService
	Metrics  *observability.Metrics
}

func NewGRPCServer(grpcAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics)))

	grpcServer.RegisterService(&CommandsServiceDesc, NewCommandServer(deps.Commands))
	grpcServer.RegisterService(&QueryServiceDesc, NewQueryServer(deps.Query))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		health:     healthServer,
	}
}

// SetServing flips the gRPC health status together with readiness.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// Serve runs the gRPC server until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.ServeListener(ctx, lis)
}

// ServeListener runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	return s.grpcServer.Serve(lis)
}

func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if m != nil {
			code := status.Code(err)
			m.QueryRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
			m.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
			if err != nil {
				m.QueryErrors.WithLabelValues(info.FullMethod, code.String()).Inc()
			}
		}
		return resp, err
	}
}

// ============================================================================
// Commands service
// ============================================================================

type SubmitRequest struct {
	Command string          `json:"command"` // wire name, e.g. "open_position"
	Payload json.RawMessage `json:"payload"`
}

type SubmitResponse struct {
	Sequence  int64           `json:"sequence"`
	Duplicate bool            `json:"duplicate,omitempty"`
	StateHash string          `json:"state_hash,omitempty"`
	Outcomes  json.RawMessage `json:"outcomes,omitempty"`
}

// CommandsAPI is the handler interface of perpvault.v1.Commands.
type CommandsAPI interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
}

type CommandServer struct {
	sub Submitter
}

func NewCommandServer(sub Submitter) *CommandServer {
	return &CommandServer{sub: sub}
}

// Submit decodes and processes one command. A rejected command is logged
// with its sequence and returned as a status error whose code names the
// rejection kind.
func (s *CommandServer) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.Command == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	cmd, err := ingestion.ParseCommand(req.Command, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}

	var receipt core.Receipt
	if cmd.(event.Stamped).Head().Source == "" {
		receipt, err = s.sub.SubmitSequenced(ctx, APISource, cmd)
	} else {
		receipt, err = s.sub.Submit(ctx, cmd)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	if receipt.Duplicate {
		return &SubmitResponse{Duplicate: true}, nil
	}
	if receipt.Rejection != nil {
		return nil, status.Errorf(codeFor(receipt.Rejection), "sequence %d rejected: %v", receipt.Sequence, receipt.Rejection)
	}

	outcomes, err := event.EncodeOutcomes(receipt.Outcomes)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode outcomes: %v", err)
	}
	return &SubmitResponse{
		Sequence:  receipt.Sequence,
		StateHash: hex.EncodeToString(receipt.StateHash[:]),
		Outcomes:  outcomes,
	}, nil
}

var CommandsServiceDesc = grpc.ServiceDesc{
	ServiceName: "perpvault.v1.Commands",
	HandlerType: (*CommandsAPI)(nil),
	Methods: []grpc.MethodDesc{
		unary("perpvault.v1.Commands", "Submit", CommandsAPI.Submit),
	},
	Metadata: "perpvault/v1/commands",
}

// ============================================================================
// Query service
// ============================================================================

type PositionRequest struct {
	Key string `json:"key"`
}

type PositionsRequest struct {
	Keys []string `json:"keys"`
}

type AccountRequest struct {
	Account string `json:"account"`
}

type HistoryRequest struct {
	Account        string `json:"account"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type BalanceRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
}

type RewardRequest struct {
	PoolID  string `json:"pool_id"`
	Account string `json:"account,omitempty"`
	At      *int64 `json:"at,omitempty"`
}

type Empty struct{}

type PositionsResponse struct {
	Positions []query.PositionLookup `json:"positions"`
}

type AccountPositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type HistoryResponse struct {
	Entries []query.PositionHistoryEntry `json:"entries"`
}

// QueryAPI is the handler interface of perpvault.v1.Query.
type QueryAPI interface {
	GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error)
	GetPositions(ctx context.Context, req *PositionsRequest) (*PositionsResponse, error)
	GetPositionsByAccount(ctx context.Context, req *AccountRequest) (*AccountPositionsResponse, error)
	GetPositionHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error)
	GetVault(ctx context.Context, req *Empty) (*query.VaultResponse, error)
	GetStake(ctx context.Context, req *AccountRequest) (*query.StakeResponse, error)
	GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error)
	GetProducts(ctx context.Context, req *Empty) (*query.ProductsResponse, error)
	GetPendingReward(ctx context.Context, req *RewardRequest) (*query.RewardResponse, error)
	GetEarned(ctx context.Context, req *RewardRequest) (*query.RewardResponse, error)
	VerifyIntegrity(ctx context.Context, req *Empty) (*query.IntegrityReport, error)
}

type QueryServer struct {
	qs *query.QueryService
}

func NewQueryServer(qs *query.QueryService) *QueryServer {
	return &QueryServer{qs: qs}
}

func (s *QueryServer) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	key, err := event.ParsePositionKey(req.Key)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid key: %v", err)
	}
	p, err := s.qs.GetPosition(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return p, nil
}

func (s *QueryServer) GetPositions(ctx context.Context, req *PositionsRequest) (*PositionsResponse, error) {
	keys := make([]event.PositionKey, 0, len(req.Keys))
	for _, raw := range req.Keys {
		key, err := event.ParsePositionKey(raw)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid key %q: %v", raw, err)
		}
		keys = append(keys, key)
	}
	lookups, err := s.qs.GetPositions(ctx, keys)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionsResponse{Positions: lookups}, nil
}

func (s *QueryServer) GetPositionsByAccount(ctx context.Context, req *AccountRequest) (*AccountPositionsResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	positions, err := s.qs.GetPositionsByAccount(ctx, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AccountPositionsResponse{Positions: positions}, nil
}

func (s *QueryServer) GetPositionHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	entries, err := s.qs.GetPositionHistory(ctx, account, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Entries: entries}, nil
}

func (s *QueryServer) GetVault(ctx context.Context, _ *Empty) (*query.VaultResponse, error) {
	v, err := s.qs.GetVault(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *QueryServer) GetStake(ctx context.Context, req *AccountRequest) (*query.StakeResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	st, err := s.qs.GetStake(ctx, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}

func (s *QueryServer) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	b, err := s.qs.GetBalance(ctx, account, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return b, nil
}

func (s *QueryServer) GetProducts(ctx context.Context, _ *Empty) (*query.ProductsResponse, error) {
	p, err := s.qs.GetProducts(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return p, nil
}

func (s *QueryServer) GetPendingReward(ctx context.Context, req *RewardRequest) (*query.RewardResponse, error) {
	if req.PoolID == "" {
		return nil, status.Error(codes.InvalidArgument, "pool_id is required")
	}
	r, err := s.qs.GetPendingReward(ctx, req.PoolID, req.At)
	if err != nil {
		return nil, toStatus(err)
	}
	return r, nil
}

func (s *QueryServer) GetEarned(ctx context.Context, req *RewardRequest) (*query.RewardResponse, error) {
	if req.PoolID == "" {
		return nil, status.Error(codes.InvalidArgument, "pool_id is required")
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	r, err := s.qs.GetEarned(ctx, req.PoolID, account, req.At)
	if err != nil {
		return nil, toStatus(err)
	}
	return r, nil
}

func (s *QueryServer) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	r, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return r, nil
}

var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: "perpvault.v1.Query",
	HandlerType: (*QueryAPI)(nil),
	Methods: []grpc.MethodDesc{
		unary("perpvault.v1.Query", "GetPosition", QueryAPI.GetPosition),
		unary("perpvault.v1.Query", "GetPositions", QueryAPI.GetPositions),
		unary("perpvault.v1.Query", "GetPositionsByAccount", QueryAPI.GetPositionsByAccount),
		unary("perpvault.v1.Query", "GetPositionHistory", QueryAPI.GetPositionHistory),
		unary("perpvault.v1.Query", "GetVault", QueryAPI.GetVault),
		unary("perpvault.v1.Query", "GetStake", QueryAPI.GetStake),
		unary("perpvault.v1.Query", "GetBalance", QueryAPI.GetBalance),
		unary("perpvault.v1.Query", "GetProducts", QueryAPI.GetProducts),
		unary("perpvault.v1.Query", "GetPendingReward", QueryAPI.GetPendingReward),
		unary("perpvault.v1.Query", "GetEarned", QueryAPI.GetEarned),
		unary("perpvault.v1.Query", "VerifyIntegrity", QueryAPI.VerifyIntegrity),
	},
	Metadata: "perpvault/v1/query",
}

// unary builds the method descriptor a protoc plugin would generate.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ============================================================================
// Error mapping
// ============================================================================

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ingestion.ErrDispatcherStopped):
		return codes.Unavailable
	case errors.Is(err, core.ErrSequenceGap), errors.Is(err, core.ErrOutOfOrder):
		return codes.Aborted
	case errors.Is(err, state.ErrAuthorization):
		return codes.PermissionDenied
	case errors.Is(err, query.ErrNotFound),
		errors.Is(err, state.ErrUnknownProduct),
		errors.Is(err, state.ErrPositionNotFound),
		errors.Is(err, reward.ErrUnknownPool):
		return codes.NotFound
	case errors.Is(err, ingestion.ErrMalformedCommand),
		errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, state.ErrInvalidArgument),
		errors.Is(err, state.ErrMarginOutOfBounds),
		errors.Is(err, reward.ErrInvalidAmount):
		return codes.InvalidArgument
	case errors.Is(err, state.ErrExposureExceeded),
		errors.Is(err, state.ErrVaultCapExceeded),
		errors.Is(err, state.ErrInsufficientVaultLiquidity),
		errors.Is(err, reward.ErrRewardAmountOutOfBounds),
		errors.Is(err, reward.ErrInsufficientStake):
		return codes.ResourceExhausted
	case errors.Is(err, state.ErrStalePriceChange),
		errors.Is(err, state.ErrCooldownNotElapsed),
		errors.Is(err, state.ErrPositionNotLiquidatable),
		errors.Is(err, state.ErrPriceUnavailable),
		errors.Is(err, state.ErrClockRegression),
		errors.Is(err, reward.ErrRewardPeriodNotFinished),
		errors.Is(err, reward.ErrPoolExists):
		return codes.FailedPrecondition
	case errors.Is(err, fpmath.ErrOverflow):
		return codes.OutOfRange
	default:
		return codes.Internal
	}
}

func parseAccount(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "account is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account: %v", err)
	}
	return id, nil
}
