package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chaincore/internal/domain"
	"chaincore/internal/events"
	"chaincore/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSyncNotFound   = errors.New("sync session not found")
	ErrSessionClosed  = errors.New("sync session already closed")
	ErrInvalidStatus  = errors.New("invalid status")
	ErrInvalidRequest = errors.New("invalid sync request")
	ErrHealthNotFound = errors.New("no health snapshot for branch")
)

// Service is the center side of the sync session and health protocol.
type Service struct {
	sessions   domain.SessionStore
	health     domain.HealthStore
	events     domain.EventPublisher
	staleAfter time.Duration
	logger     *zerolog.Logger
	now        func() time.Time
}

func New(sessions domain.SessionStore, health domain.HealthStore, publisher domain.EventPublisher,
	staleAfter time.Duration, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if staleAfter <= 0 {
		staleAfter = models.DefaultHealthStaleSeconds * time.Second
	}
	return &Service{
		sessions:   sessions,
		health:     health,
		events:     publisher,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// RequestSync opens a session in the initiated state and returns it at once so
// the caller can poll it.
func (s *Service) RequestSync(ctx context.Context, branchID int64, entity models.EntityType, since *time.Time) (*models.SyncSession, error) {
	if _, ok := models.ParseEntityType(string(entity)); !ok {
		return nil, fmt.Errorf("%w: unknown sync type %q", ErrInvalidRequest, entity)
	}
	if branchID <= 0 {
		return nil, fmt.Errorf("%w: branch id is required", ErrInvalidRequest)
	}

	now := s.now().UTC()
	session := &models.SyncSession{
		ID:         uuid.NewString(),
		BranchID:   branchID,
		EntityType: entity,
		Since:      since,
		Status:     models.SessionInitiated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("sync_id", session.ID).
		Int64("branch_id", branchID).
		Str("sync_type", string(entity)).
		Msg("sync session initiated")
	return session, nil
}

// ReportProgress moves an open session to in_progress with the latest counters.
func (s *Service) ReportProgress(ctx context.Context, id string, processed, total int) (*models.SyncSession, error) {
	session, err := s.GetSync(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionClosed, id, session.Status)
	}

	session.Status = models.SessionInProgress
	session.RecordsProcessed = processed
	session.RecordsTotal = total
	session.UpdatedAt = s.now().UTC()
	if err := s.update(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CompleteSync closes a session with a terminal status.
func (s *Service) CompleteSync(ctx context.Context, id string, status models.SessionStatus, processed, total int, errMsg string) (*models.SyncSession, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal sync status", ErrInvalidStatus, status)
	}

	session, err := s.GetSync(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionClosed, id, session.Status)
	}

	now := s.now().UTC()
	session.Status = status
	session.RecordsProcessed = processed
	session.RecordsTotal = total
	session.ErrorMessage = ""
	if status == models.SessionFailed {
		session.ErrorMessage = errMsg
	}
	session.UpdatedAt = now
	session.CompletedAt = &now
	if err := s.update(ctx, session); err != nil {
		return nil, err
	}

	s.publishClosed(session)

	s.logger.Info().
		Str("sync_id", id).
		Int64("branch_id", session.BranchID).
		Str("status", string(status)).
		Int("records_processed", processed).
		Int("records_total", total).
		Msg("sync session closed")
	return session, nil
}

// update maps store outcomes of a conditional session write to protocol errors.
func (s *Service) update(ctx context.Context, session *models.SyncSession) error {
	err := s.sessions.UpdateSession(ctx, session)
	switch {
	case errors.Is(err, domain.ErrClosed):
		return fmt.Errorf("%w: %s", ErrSessionClosed, session.ID)
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrSyncNotFound, session.ID)
	}
	return err
}

func (s *Service) publishClosed(session *models.SyncSession) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishJSON(events.EventSyncSessionCompleted, events.SessionEventPayload{
		SyncID:           session.ID,
		BranchID:         session.BranchID,
		SyncType:         string(session.EntityType),
		Status:           string(session.Status),
		RecordsProcessed: session.RecordsProcessed,
		RecordsTotal:     session.RecordsTotal,
		ErrorMessage:     session.ErrorMessage,
	}); err != nil {
		s.logger.Warn().Err(err).Str("sync_id", session.ID).Msg("sync session event handler failed")
	}
}

func (s *Service) GetSync(ctx context.Context, id string) (*models.SyncSession, error) {
	session, err := s.sessions.GetSession(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSyncNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ReportHealth stores the snapshot as the latest one of its branch.
func (s *Service) ReportHealth(ctx context.Context, snap *models.HealthSnapshot) error {
	if !models.ValidHealthStatus(snap.Status) {
		return fmt.Errorf("%w: health status %q", ErrInvalidStatus, snap.Status)
	}
	snap.ReportedAt = s.now().UTC()
	snap.Stale = false
	return s.health.UpsertHealth(ctx, snap)
}

// GetHealth returns the latest snapshot of a branch, flagged stale when the
// branch has been silent for longer than the configured threshold.
func (s *Service) GetHealth(ctx context.Context, branchID int64) (*models.HealthSnapshot, error) {
	snap, err := s.health.GetHealth(ctx, branchID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrHealthNotFound, branchID)
	}
	if err != nil {
		return nil, err
	}
	snap.Stale = s.now().Sub(snap.ReportedAt) > s.staleAfter
	return snap, nil
}

// PingReply answers a branch keepalive.
type PingReply struct {
	Pong        bool      `json:"pong"`
	ServerTime  time.Time `json:"server_time"`
	Sequence    int64     `json:"sequence"`
	RoundTripMs int64     `json:"round_trip_ms"`
}

// Ping echoes the sequence. timestampMs is the sender clock in Unix milliseconds;
// the round trip is measured against it and never reported negative.
func (s *Service) Ping(timestampMs, sequence int64) PingReply {
	now := s.now()
	rtt := int64(0)
	if timestampMs > 0 {
		rtt = now.UnixMilli() - timestampMs
		if rtt < 0 {
			rtt = 0
		}
	}
	return PingReply{Pong: true, ServerTime: now.UTC(), Sequence: sequence, RoundTripMs: rtt}
}
