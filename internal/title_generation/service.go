package title_generation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/messaging"
)

const (
	workerPoolSize    = 2 // Title generation is less frequent than message storage
	queueSize         = 100
	generationTimeout = 60 * time.Second
)

// TitleStore persists generated titles. Implemented by messaging.Service.
type TitleStore interface {
	StoreTitleAsync(ctx context.Context, title messaging.TitleToStore) error
}

type job struct {
	ctx context.Context // carries log attributes only
	req TitleRequest
}

// Service handles async title generation
type Service struct {
	logger     *logger.Logger
	generator  *Generator
	store      TitleStore
	titleChan  chan job
	workerPool sync.WaitGroup
	pending    sync.WaitGroup
	shutdown   chan struct{}
	closed     atomic.Bool
}

// NewService creates a new title generation service and starts its workers.
func NewService(logger *logger.Logger, generator *Generator, store TitleStore) *Service {
	s := &Service{
		logger:    logger.WithComponent("title_generation"),
		generator: generator,
		store:     store,
		titleChan: make(chan job, queueSize),
		shutdown:  make(chan struct{}),
	}

	for i := 0; i < workerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.worker()
	}

	s.logger.Info("title generation service started", slog.Int("worker_pool_size", workerPoolSize))

	return s
}

// worker processes title generation requests
func (s *Service) worker() {
	defer s.workerPool.Done()

	for {
		select {
		case j := <-s.titleChan:
			s.handleTitleGeneration(j)
		case <-s.shutdown:
			// Drain remaining jobs
			for {
				select {
				case j := <-s.titleChan:
					s.handleTitleGeneration(j)
				default:
					return
				}
			}
		}
	}
}

// handleTitleGeneration processes a single title generation request
func (s *Service) handleTitleGeneration(j job) {
	defer s.pending.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), generationTimeout)
	defer cancel()

	log := s.logger.WithContext(ctx)
	req := j.req

	title, err := s.generator.Generate(ctx, req.FirstMessage)
	if err != nil {
		log.Error("failed to generate title",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()))
		return
	}

	log.Debug("title generated", slog.String("title", title))

	if err := s.store.StoreTitleAsync(ctx, messaging.TitleToStore{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Title:          title,
	}); err != nil {
		log.Error("failed to queue title for storage",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()))
	}
}

// QueueTitleGeneration queues a title generation request. It never blocks; when the
// queue is full the request is dropped.
func (s *Service) QueueTitleGeneration(ctx context.Context, req TitleRequest) {
	if s == nil || s.generator == nil {
		return
	}
	log := s.logger.WithContext(ctx)

	if s.closed.Load() {
		log.Warn("service is shutting down, cannot queue title generation")
		return
	}

	s.pending.Add(1)
	select {
	case s.titleChan <- job{ctx: ctx, req: req}:
		log.Debug("title generation queued", slog.String("conversation_id", req.ConversationID))
	default:
		s.pending.Done()
		log.Warn("title generation queue full, dropping request", slog.String("conversation_id", req.ConversationID))
	}
}

// Wait blocks until every queued request has been handled.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Shutdown gracefully shuts down the service
func (s *Service) Shutdown() {
	s.logger.Info("shutting down title generation service")
	s.closed.Store(true)
	close(s.shutdown)
	s.workerPool.Wait()
	s.logger.Info("title generation service shutdown complete")
}
