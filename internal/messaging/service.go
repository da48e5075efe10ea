package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eternisai/enchanted-research/internal/config"
	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/metrics"
)

// ErrQueueFull is returned when a write is dropped because every worker is busy and the
// buffer is full.
var ErrQueueFull = fmt.Errorf("message queue is full")

// Store is the persistence collaborator. Writes are append-only.
type Store interface {
	FindOrCreateConversation(ctx context.Context, userID, conversationID string) error
	CreateMessage(ctx context.Context, msg MessageToStore) error
	CreateUsageRecord(ctx context.Context, usage UsageToStore) error
	UpdateConversationTitle(ctx context.Context, title TitleToStore) error
}

// Options sizes the worker pool.
type Options struct {
	WorkerPoolSize int
	BufferSize     int
	Timeout        time.Duration
}

// OptionsFromConfig reads the pool settings from the application config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkerPoolSize: cfg.MessageStorageWorkerPoolSize,
		BufferSize:     cfg.MessageStorageBufferSize,
		Timeout:        time.Duration(cfg.MessageStorageTimeoutSeconds) * time.Second,
	}
}

type job struct {
	kind           string
	userID         string
	conversationID string
	ctx            context.Context // carries log attributes only, never cancelled
	run            func(ctx context.Context) error
}

// Service handles async persistence of messages, usage records and titles.
// Enqueueing never blocks: when the queue is full the write is dropped with a warning.
type Service struct {
	store         Store
	logger        *logger.Logger
	jobs          chan job
	timeout       time.Duration
	workerPool    sync.WaitGroup
	pending       sync.WaitGroup
	shutdown      chan struct{}
	closed        atomic.Bool
	conversations *ConversationCache
}

// NewService creates a new persistence service and starts its workers.
func NewService(store Store, opts Options, logger *logger.Logger) *Service {
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 1
	}
	if opts.BufferSize < 0 {
		opts.BufferSize = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	s := &Service{
		store:         store,
		logger:        logger.WithComponent("messaging"),
		jobs:          make(chan job, opts.BufferSize), // Buffered channel to queue writes waiting for workers
		timeout:       opts.Timeout,
		shutdown:      make(chan struct{}),
		conversations: NewConversationCache(10000, time.Hour),
	}

	for i := 0; i < opts.WorkerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.worker()
	}

	s.logger.Info("message storage service started",
		slog.Int("worker_pool_size", opts.WorkerPoolSize),
		slog.Int("buffer_size", opts.BufferSize),
	)

	return s
}

// worker processes jobs from the channel
func (s *Service) worker() {
	defer s.workerPool.Done()

	for {
		select {
		case j := <-s.jobs:
			s.handle(j)
		case <-s.shutdown:
			// Drain remaining jobs
			for {
				select {
				case j := <-s.jobs:
					s.handle(j)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) handle(j job) {
	defer s.pending.Done()

	// Timeout context prevents workers from hanging on a slow database
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), s.timeout)
	defer cancel()

	log := s.logger.WithContext(ctx)

	if err := j.run(ctx); err != nil {
		metrics.PersistenceJobs.WithLabelValues(j.kind, "failed").Inc()
		err = errors.New(errors.KindPersistenceFailed, j.kind, err)
		log.Error("failed to persist",
			slog.String("kind", j.kind),
			slog.String("user_id", j.userID),
			slog.String("conversation_id", j.conversationID),
			slog.String("error", err.Error()))
		return
	}

	metrics.PersistenceJobs.WithLabelValues(j.kind, "stored").Inc()
	log.Debug("persisted",
		slog.String("kind", j.kind),
		slog.String("conversation_id", j.conversationID))
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if s.closed.Load() {
		return fmt.Errorf("service is shutting down")
	}

	j.ctx = ctx
	s.pending.Add(1)

	select {
	case s.jobs <- j:
		return nil
	default:
		s.pending.Done()
		metrics.PersistenceJobs.WithLabelValues(j.kind, "dropped").Inc()
		s.logger.WithContext(ctx).Warn("message queue is full, dropping write",
			slog.String("kind", j.kind),
			slog.String("user_id", j.userID),
			slog.String("conversation_id", j.conversationID))
		return ErrQueueFull
	}
}

// ensureConversation creates the conversation row once per cache lifetime.
func (s *Service) ensureConversation(ctx context.Context, userID, conversationID string) error {
	if s.conversations.Has(conversationID) {
		return nil
	}
	if err := s.store.FindOrCreateConversation(ctx, userID, conversationID); err != nil {
		return fmt.Errorf("find or create conversation: %w", err)
	}
	s.conversations.Add(conversationID)
	return nil
}

// StoreMessageAsync queues a message for async storage. ctx only contributes log
// attributes; cancelling it does not cancel the write.
func (s *Service) StoreMessageAsync(ctx context.Context, msg MessageToStore) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}

	return s.enqueue(ctx, job{
		kind:           "message",
		userID:         msg.UserID,
		conversationID: msg.ConversationID,
		run: func(ctx context.Context) error {
			if err := s.ensureConversation(ctx, msg.UserID, msg.ConversationID); err != nil {
				return err
			}
			return s.store.CreateMessage(ctx, msg)
		},
	})
}

// StoreUsageAsync queues a usage record.
func (s *Service) StoreUsageAsync(ctx context.Context, usage UsageToStore) error {
	return s.enqueue(ctx, job{
		kind:           "usage",
		userID:         usage.UserID,
		conversationID: usage.ConversationID,
		run: func(ctx context.Context) error {
			return s.store.CreateUsageRecord(ctx, usage)
		},
	})
}

// StoreTitleAsync queues a conversation title update.
func (s *Service) StoreTitleAsync(ctx context.Context, title TitleToStore) error {
	return s.enqueue(ctx, job{
		kind:           "title",
		userID:         title.UserID,
		conversationID: title.ConversationID,
		run: func(ctx context.Context) error {
			if err := s.ensureConversation(ctx, title.UserID, title.ConversationID); err != nil {
				return err
			}
			return s.store.UpdateConversationTitle(ctx, title)
		},
	})
}

// Wait blocks until every accepted write has been attempted.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Shutdown gracefully shuts down the service, draining queued writes.
func (s *Service) Shutdown() {
	s.logger.Info("shutting down message storage service")
	s.closed.Store(true)
	close(s.shutdown)
	s.workerPool.Wait()
	s.logger.Info("message storage service shutdown complete")
}
