package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eternisai/enchanted-research/internal/logger"
)

const (
	// NATS subject for turn cancellation requests
	turnCancelSubject = "turn.cancel"

	// Timeout for distributed cancel requests
	distributedCancelTimeout = 5 * time.Second
)

// CancelRequest represents a distributed turn cancellation request.
type CancelRequest struct {
	TurnID string `json:"turn_id"`
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// CancelResponse represents the result of a distributed cancel operation.
type CancelResponse struct {
	Success         bool   `json:"success"`
	Found           bool   `json:"found"`
	NotOwned        bool   `json:"not_owned,omitempty"`
	AlreadyStopped  bool   `json:"already_stopped,omitempty"`
	AlreadyComplete bool   `json:"already_complete,omitempty"`
	Error           string `json:"error,omitempty"`
	InstanceID      string `json:"instance_id"`
}

// DistributedCancelService handles cross-instance turn cancellation via NATS.
//
// Turns live in memory on the instance that serves the stream. When a stop request lands
// on another instance, the request is broadcast on turnCancelSubject and only the owning
// instance replies.
//
//	Instance A (owns turn)                 Instance B (receives /stop)
//	──────────────────────                 ───────────────────────────
//	                                       POST /turns/:id/stop arrives
//	                                         └─► Local turn not found
//	                                         └─► Publish cancel request to NATS
//	◄─── NATS delivers request ────
//	  └─► Find local turn
//	  └─► Stop it
//	  └─► Reply with result ────────────►
//	                                         └─► Return response to client
type DistributedCancelService struct {
	nc           *nats.Conn
	manager      *TurnManager
	logger       *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// NewDistributedCancelService creates a new distributed cancel service.
// Returns nil if NATS connection is not available.
func NewDistributedCancelService(nc *nats.Conn, manager *TurnManager, logger *logger.Logger, instanceID string) *DistributedCancelService {
	if nc == nil {
		return nil
	}

	return &DistributedCancelService{
		nc:         nc,
		manager:    manager,
		logger:     logger.WithComponent("distributed-cancel"),
		instanceID: instanceID,
	}
}

// Start begins listening for distributed cancel requests.
func (s *DistributedCancelService) Start() error {
	sub, err := s.nc.Subscribe(turnCancelSubject, s.handleCancelRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", turnCancelSubject, err)
	}

	s.subscription = sub
	s.logger.Info("distributed cancel service started",
		slog.String("subject", turnCancelSubject),
		slog.String("instance_id", s.instanceID))

	return nil
}

// Stop gracefully shuts down the service.
func (s *DistributedCancelService) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	s.logger.Info("distributed cancel service stopped")
	return nil
}

// RequestCancel asks every instance to stop the turn and waits for the owner's reply.
// A missing owner is reported as Found=false rather than an error.
func (s *DistributedCancelService) RequestCancel(ctx context.Context, turnID, userID string) (*CancelResponse, error) {
	data, err := json.Marshal(CancelRequest{
		TurnID: turnID,
		UserID: userID,
		Reason: string(StopReasonUserCancelled),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, distributedCancelTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, turnCancelSubject, data)
	if err != nil {
		// No subscribers, or nobody owns the turn
		if errors.Is(err, nats.ErrNoResponders) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, nats.ErrTimeout) {
			return &CancelResponse{Success: false, Found: false}, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel request failed: %w", err)
	}

	var resp CancelResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}

// handleCancelRequest processes incoming cancel requests from other instances.
// Only the owning instance replies.
func (s *DistributedCancelService) handleCancelRequest(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("received invalid cancel request", slog.String("error", err.Error()))
		return
	}

	resp, owned := s.processLocalCancel(req)
	if !owned {
		s.logger.Debug("turn not owned by this instance, ignoring",
			slog.String("turn_id", req.TurnID))
		return
	}
	resp.InstanceID = s.instanceID

	s.reply(msg, resp)

	s.logger.Info("processed distributed cancel request",
		slog.String("turn_id", req.TurnID),
		slog.Bool("success", resp.Success))
}

// processLocalCancel stops a local turn. owned is false when this instance does not hold it.
func (s *DistributedCancelService) processLocalCancel(req CancelRequest) (resp CancelResponse, owned bool) {
	turn := s.manager.Get(req.TurnID)
	if turn == nil {
		return CancelResponse{}, false
	}

	if turn.UserID != req.UserID {
		return CancelResponse{Found: true, NotOwned: true}, true
	}

	reason := StopReason(req.Reason)
	if reason == "" {
		reason = StopReasonUserCancelled
	}

	err := s.manager.Stop(req.TurnID, req.UserID, reason)
	switch {
	case err == nil:
		return CancelResponse{Success: true, Found: true}, true
	case errors.Is(err, ErrTurnAlreadyCompleted):
		return CancelResponse{Found: true, AlreadyComplete: true}, true
	case errors.Is(err, ErrTurnAlreadyStopped):
		return CancelResponse{Found: true, AlreadyStopped: true}, true
	default:
		return CancelResponse{Found: true, Error: err.Error()}, true
	}
}

// reply sends a response back to the requester.
func (s *DistributedCancelService) reply(msg *nats.Msg, resp CancelResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("error", err.Error()))
		return
	}

	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send response", slog.String("error", err.Error()))
	}
}
