package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/emberlane/rollupd/internal/model"
)

// The compute engine speaks JSON-encoded unary gRPC; there is no vendored
// protoc output because the engine owns the schema. A registered "json"
// codec plus CallContentSubtype covers the whole surface.
const (
	codecName = "json"

	methodStartSession  = "/compute.v1.ComputeSession/StartSession"
	methodAdvanceState  = "/compute.v1.ComputeSession/AdvanceState"
	methodFinishEpoch   = "/compute.v1.ComputeSession/FinishEpoch"
	methodGetEpochClaim = "/compute.v1.ComputeSession/GetEpochClaim"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Wire types for the ComputeSession service.

type StartSessionRequest struct {
	SessionID    string `json:"session_id"`
	SnapshotPath string `json:"snapshot_path"`
	ActiveEpoch  uint64 `json:"active_epoch"`
}

type AdvanceStateRequest struct {
	SessionID  string              `json:"session_id"`
	EpochIndex uint64              `json:"epoch_index"`
	InputIndex uint64              `json:"input_index"`
	Metadata   model.InputMetadata `json:"metadata"`
	Payload    []byte              `json:"payload"`
}

type FinishEpochRequest struct {
	SessionID    string `json:"session_id"`
	EpochIndex   uint64 `json:"epoch_index"`
	SnapshotPath string `json:"snapshot_path"`
}

type GetEpochClaimRequest struct {
	SessionID  string `json:"session_id"`
	EpochIndex uint64 `json:"epoch_index"`
}

type GetEpochClaimResponse struct {
	EpochIndex uint64 `json:"epoch_index"`
	Claim      []byte `json:"claim"`
}

type emptyResponse struct{}

// GRPCSession implements Session over a gRPC connection to the compute
// engine.
type GRPCSession struct {
	conn      *grpc.ClientConn
	sessionID string
}

var _ Session = (*GRPCSession)(nil)

// NewGRPCSession connects to the compute engine at addr. sessionID names the
// session all calls address.
func NewGRPCSession(addr, sessionID string, logger *slog.Logger) (*GRPCSession, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithUnaryInterceptor(loggingInterceptor(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &GRPCSession{conn: conn, sessionID: sessionID}, nil
}

func (s *GRPCSession) Close() error {
	return s.conn.Close()
}

func (s *GRPCSession) StartSession(ctx context.Context, snapshotPath string, epoch uint64) error {
	req := &StartSessionRequest{
		SessionID:    s.sessionID,
		SnapshotPath: snapshotPath,
		ActiveEpoch:  epoch,
	}
	if err := s.conn.Invoke(ctx, methodStartSession, req, &emptyResponse{}); err != nil {
		return fromStatus("start session", err)
	}
	return nil
}

func (s *GRPCSession) AdvanceState(ctx context.Context, epochIndex, inputIndex uint64, metadata model.InputMetadata, payload []byte) error {
	req := &AdvanceStateRequest{
		SessionID:  s.sessionID,
		EpochIndex: epochIndex,
		InputIndex: inputIndex,
		Metadata:   metadata,
		Payload:    payload,
	}
	if err := s.conn.Invoke(ctx, methodAdvanceState, req, &emptyResponse{}); err != nil {
		return fromStatus("advance state", err)
	}
	return nil
}

func (s *GRPCSession) FinishEpoch(ctx context.Context, epochIndex uint64, snapshotPath string) error {
	req := &FinishEpochRequest{
		SessionID:    s.sessionID,
		EpochIndex:   epochIndex,
		SnapshotPath: snapshotPath,
	}
	if err := s.conn.Invoke(ctx, methodFinishEpoch, req, &emptyResponse{}); err != nil {
		return fromStatus("finish epoch", err)
	}
	return nil
}

func (s *GRPCSession) GetEpochClaim(ctx context.Context, epochIndex uint64) (model.EpochClaim, error) {
	req := &GetEpochClaimRequest{SessionID: s.sessionID, EpochIndex: epochIndex}
	var resp GetEpochClaimResponse
	if err := s.conn.Invoke(ctx, methodGetEpochClaim, req, &resp); err != nil {
		return model.EpochClaim{}, fromStatus("get epoch claim", err)
	}
	return model.EpochClaim{EpochIndex: resp.EpochIndex, Hash: resp.Claim}, nil
}

// fromStatus maps an engine status code to a sentinel error, keeping the
// status message for context.
func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	var sentinel error
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		sentinel = ErrSessionUnreachable
	case codes.AlreadyExists:
		sentinel = ErrAlreadyActive
	case codes.NotFound:
		sentinel = ErrInvalidSnapshot
	case codes.InvalidArgument:
		sentinel = ErrRejectedInput
	case codes.FailedPrecondition:
		sentinel = ErrClaimNotReady
	case codes.Internal:
		sentinel = ErrCheckpointFailed
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %s", op, sentinel, st.Message())
}

// loggingInterceptor logs the method name, duration, and error (if any) for
// every unary RPC to the compute engine.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		duration := time.Since(start)

		if err != nil {
			logger.Error("rpc completed",
				"method", method,
				"duration", duration,
				"error", err,
			)
		} else {
			logger.Debug("rpc completed",
				"method", method,
				"duration", duration,
			)
		}
		return err
	}
}
