package deepr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eternisai/enchanted-research/internal/config"
	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/gateway"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/messaging"
	"github.com/eternisai/enchanted-research/internal/metrics"
	"github.com/eternisai/enchanted-research/internal/search"
	"github.com/eternisai/enchanted-research/internal/streaming"
)

const (
	modeDeepResearch = "deep_research"
	archiveTimeout   = 30 * time.Second

	outlineTemperature = 0.3
	sectionTemperature = 0.5
)

// Generator runs single-shot generations over a fallback chain. Implemented by
// gateway.Registry.
type Generator interface {
	GenerateWithFallback(ctx context.Context, chain []string, req gateway.Request) (string, error)
}

// Archiver stores finished reports. Failures are logged only.
type Archiver interface {
	Archive(ctx context.Context, job Job, result *Result) error
}

// Persister schedules conversation writes. Implemented by messaging.Service.
type Persister interface {
	StoreMessageAsync(ctx context.Context, msg messaging.MessageToStore) error
}

type Options struct {
	Archive Archiver
	Store   Persister
}

// Service runs deep research turns.
type Service struct {
	gateway  Generator
	searcher search.Searcher
	cfg      config.DeepResearchConfig
	opts     Options
	logger   *logger.Logger

	background sync.WaitGroup
}

// NewService creates the pipeline. Zero values in cfg fall back to the defaults.
func NewService(gw Generator, searcher search.Searcher, cfg *config.DeepResearchConfig, opts Options, logger *logger.Logger) *Service {
	var c config.DeepResearchConfig
	if cfg != nil {
		c = *cfg
	}
	log := logger.WithComponent("deepr")
	if err := c.Validate(); err != nil {
		log.Warn("invalid deep research config, using defaults", slog.String("error", err.Error()))
		c = config.DeepResearchConfig{FallbackChain: c.FallbackChain}
		_ = c.Validate()
	}

	return &Service{
		gateway:  gw,
		searcher: searcher,
		cfg:      c,
		opts:     opts,
		logger:   log,
	}
}

// Run executes one turn and streams progress, sections, the result and a terminal event
// into sink. The returned result is nil on failure.
func (s *Service) Run(ctx context.Context, job Job, sink streaming.Sink) (*Result, error) {
	ctx = logger.WithTurnID(ctx, job.TurnID)
	log := s.logger.WithContext(ctx)
	started := time.Now()
	p := newPipeline()

	progress := func(percent int, status string) {
		_ = sink.Send(streaming.ProgressEvent(percent, status))
	}

	progress(5, "Planning the report")

	outline, err := s.generateOutline(ctx, job.Query)
	if err != nil {
		return nil, s.fail(ctx, sink, p, errors.KindOutlineGenerationFailed, "outline", err)
	}
	p.sections = len(outline.Sections)
	progress(15, fmt.Sprintf("Outline ready with %d sections", p.sections))

	log.Info("outline generated",
		slog.String("title", outline.Title),
		slog.Int("sections", p.sections))

	if err := p.transition(StateResearching); err != nil {
		return nil, s.fail(ctx, sink, p, errors.KindSectionGenerationFailed, "research", err)
	}

	pool := s.buildPool(ctx, job.Query)
	progress(20, fmt.Sprintf("Collected %d sources", len(pool)))

	sections := make([]Section, 0, p.sections)
	for i, spec := range outline.Sections {
		if i > 0 {
			if err := p.transition(StateResearching); err != nil {
				return nil, s.fail(ctx, sink, p, errors.KindSectionGenerationFailed, "research", err)
			}
		}
		if ctx.Err() != nil {
			return nil, s.fail(ctx, sink, p, errors.KindCancelled, "section "+spec.ID, ctx.Err())
		}

		section, err := s.writeSection(ctx, job.Query, outline, spec, pool)
		if err != nil {
			metrics.ResearchSections.WithLabelValues("failed").Inc()
			return nil, s.fail(ctx, sink, p, errors.KindSectionGenerationFailed, "section "+spec.ID, err)
		}
		metrics.ResearchSections.WithLabelValues("completed").Inc()

		sections = append(sections, section)
		progress(sectionProgress(i, p.sections), fmt.Sprintf("Finished section %d of %d: %s", i+1, p.sections, spec.Title))
		_ = sink.Send(streaming.SectionEvent(section))
	}

	if err := p.transition(StateFinalizing); err != nil {
		return nil, s.fail(ctx, sink, p, errors.KindSectionGenerationFailed, "finalize", err)
	}

	result := &Result{
		Outline:      outline,
		Sections:     sections,
		TotalSources: countUniqueSources(sections),
	}
	for _, section := range sections {
		result.TotalWords += section.WordCount
	}

	progress(100, "Research complete")
	_ = sink.Send(streaming.ResultEvent(result))

	if err := p.transition(StateDone); err != nil {
		return nil, s.fail(ctx, sink, p, errors.KindSectionGenerationFailed, "finalize", err)
	}
	_ = sink.Send(streaming.DoneEvent())

	metrics.TurnsTotal.WithLabelValues(modeDeepResearch, "completed").Inc()
	log.Info("deep research completed",
		slog.Int("sections", len(sections)),
		slog.Int("total_words", result.TotalWords),
		slog.Int("total_sources", result.TotalSources),
		slog.Duration("duration", time.Since(started)))

	s.afterDone(ctx, job, result)

	return result, nil
}

func (s *Service) generateOutline(ctx context.Context, query string) (Outline, error) {
	maxTokens := s.cfg.OutlineMaxTokens
	temperature := outlineTemperature

	text, err := s.gateway.GenerateWithFallback(ctx, s.cfg.FallbackChain, gateway.Request{
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: outlinePrompt(s.cfg.MinSections, s.cfg.MaxSections)},
			{Role: gateway.RoleUser, Content: query},
		},
		Params: gateway.Params{Temperature: &temperature, MaxTokens: &maxTokens},
	})
	if err != nil {
		return Outline{}, err
	}

	return parseOutline(text, s.cfg.MinSections, s.cfg.MaxSections)
}

// buildPool runs the one shared search of a turn. Failures leave the pool empty.
func (s *Service) buildPool(ctx context.Context, query string) []search.Source {
	if s.searcher == nil {
		return nil
	}

	sources, err := s.searcher.Search(ctx, query, s.cfg.PoolSearchResults)
	if err != nil {
		s.logger.WithContext(ctx).Warn("source pool search failed, continuing without sources",
			slog.String("error", err.Error()))
		return nil
	}

	return search.Dedupe(sources)
}

func (s *Service) writeSection(ctx context.Context, query string, outline Outline, spec SectionSpec, pool []search.Source) (Section, error) {
	sources := filterSources(pool, spec.Keywords, s.cfg.SourcesPerSection)
	system, user := sectionPrompts(query, outline, spec, sources, s.cfg.SectionMinWords, s.cfg.SectionMaxWords)

	maxTokens := s.cfg.SectionMaxTokens
	temperature := sectionTemperature

	content, err := s.gateway.GenerateWithFallback(ctx, s.cfg.FallbackChain, gateway.Request{
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: system},
			{Role: gateway.RoleUser, Content: user},
		},
		Params: gateway.Params{Temperature: &temperature, MaxTokens: &maxTokens},
	})
	if err != nil {
		return Section{}, err
	}

	words := countWords(content)
	if words < s.cfg.SectionMinWords || words > s.cfg.SectionMaxWords {
		s.logger.WithContext(ctx).Debug("section length outside target",
			slog.String("section_id", spec.ID),
			slog.Int("words", words))
	}

	if sources == nil {
		sources = []search.Source{}
	}

	return Section{
		ID:        spec.ID,
		Title:     spec.Title,
		Content:   content,
		Sources:   sources,
		WordCount: words,
	}, nil
}

// fail moves the turn to Error and emits the single terminal error event.
func (s *Service) fail(ctx context.Context, sink streaming.Sink, p *pipeline, kind errors.Kind, op string, err error) error {
	outcome := "failed"
	if ctx.Err() != nil {
		kind, err, outcome = errors.KindCancelled, context.Cause(ctx), "cancelled"
	}

	from := p.describe()
	_ = p.transition(StateError)

	wrapped := errors.New(kind, op, err)
	_ = sink.Send(streaming.ErrorEvent(wrapped))

	metrics.TurnsTotal.WithLabelValues(modeDeepResearch, outcome).Inc()
	s.logger.WithContext(ctx).Error("deep research failed",
		slog.String("state", from),
		slog.String("kind", string(kind)),
		slog.String("error", wrapped.Error()))

	return wrapped
}

// afterDone archives the report and records the exchange without holding up the caller.
func (s *Service) afterDone(ctx context.Context, job Job, result *Result) {
	detached := context.WithoutCancel(ctx)

	if s.opts.Store != nil && job.ConversationID != "" {
		report := toReport(job, result)
		for _, msg := range []messaging.MessageToStore{
			{Role: string(gateway.RoleUser), Content: job.Query},
			{Role: string(gateway.RoleAssistant), Content: string(markdown(report))},
		} {
			msg.UserID = job.UserID
			msg.ConversationID = job.ConversationID
			msg.TurnID = job.TurnID
			if err := s.opts.Store.StoreMessageAsync(detached, msg); err != nil {
				s.logger.WithContext(ctx).Warn("failed to schedule report message", slog.String("error", err.Error()))
			}
		}
	}

	if s.opts.Archive == nil {
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()

		archiveCtx, cancel := context.WithTimeout(detached, archiveTimeout)
		defer cancel()

		if err := s.opts.Archive.Archive(archiveCtx, job, result); err != nil {
			s.logger.WithContext(archiveCtx).Warn("failed to archive report", slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until detached archive writes have finished.
func (s *Service) Wait() {
	s.background.Wait()
}
