package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"talewise/api/internal/config"
	"talewise/api/internal/drafthistory"
	"talewise/api/internal/export"
	"talewise/api/internal/generator"
	"talewise/api/internal/logger"
	"talewise/api/internal/previewcache"
	"talewise/api/internal/rules"
	"talewise/api/internal/search"
	"talewise/api/internal/store"
)

// MaxRevisions caps AI revisions applied to one draft.
const MaxRevisions = 3

type dataStore interface {
	InsertRuleSet(context.Context, rules.RuleSet) (rules.RuleSet, error)
	GetRuleSet(context.Context, string) (rules.RuleSet, error)
	ListRuleSets(context.Context) ([]rules.RuleSet, error)
	GetDefaultRuleSetVersion(context.Context) (string, error)
	SetDefaultRuleSetVersion(context.Context, string) (bool, error)
	RetireRuleSet(context.Context, string) (bool, error)

	InsertBrief(context.Context, rules.Brief) (store.Brief, error)
	GetBrief(context.Context, string) (store.Brief, error)
	PinBriefRuleSet(context.Context, string, string) (bool, error)
	SaveBriefPreview(context.Context, string, rules.Contract) error
	SaveBriefOverride(context.Context, string, rules.Override, rules.Contract) error
	ClearBriefOverride(context.Context, string, rules.Contract) error
	ListBriefOverrides(context.Context, string) ([]store.OverrideRecord, error)

	InsertDraft(context.Context, store.Draft, store.DraftEvent) (store.Draft, error)
	GetDraft(context.Context, string) (store.Draft, error)
	GetDraftByBrief(context.Context, string) (store.Draft, error)
	CompareAndSwapDraft(context.Context, store.Draft, int64, store.DraftEvent) (store.Draft, error)
	ListStaleGenerating(context.Context, time.Time) ([]store.Draft, error)
	ListDraftEvents(context.Context, string) ([]store.DraftEvent, error)

	InsertReviewSession(context.Context, store.ReviewSession) (store.ReviewSession, error)
	GetReviewSession(context.Context, string) (store.ReviewSession, error)
	GetActiveReviewSession(context.Context, string, string) (store.ReviewSession, error)
	SyncSessionRevisionCount(context.Context, string, int) error
	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	InsertProposal(context.Context, store.Proposal) (store.Proposal, error)
	GetProposal(context.Context, string, string) (store.Proposal, error)
	ListProposals(context.Context, string) ([]store.Proposal, error)
	RejectProposal(context.Context, string, string) (bool, error)
	ApplyProposal(context.Context, store.Draft, int64, string, string, store.DraftEvent) (store.Draft, error)

	ListLibraryEntries(context.Context) ([]store.LibraryEntry, error)
	Ping(ctx context.Context) error
}

type storyGenerator interface {
	Generate(context.Context, generator.DraftRequest) (generator.DraftResult, error)
	ProposeRevision(context.Context, generator.RevisionRequest) (generator.RevisionResult, error)
}

type historyService interface {
	Record(string, drafthistory.Snapshot, string, string) (drafthistory.CommitInfo, error)
	History(string, int) ([]drafthistory.CommitInfo, error)
	Get(string, string) (drafthistory.Snapshot, error)
	Tag(string, string, string) error
}

type librarySearch interface {
	Search(search.Query) search.Response
	IndexStory(search.StoryRecord)
	ReindexAll([]search.StoryRecord)
}

type contractCache interface {
	Get(context.Context, string, string, string) (rules.Contract, bool, error)
	Put(context.Context, string, string, rules.Contract) error
}

type storyExporter interface {
	Export(context.Context, export.Story, export.Format) (*export.Result, error)
}

// Deps are the collaborators wired in by cmd/api. History, Search and Cache may be nil.
type Deps struct {
	Store     *store.PostgresStore
	Generator *generator.Client
	History   *drafthistory.Service
	Search    *search.Service
	Exporter  *export.Service
	Cache     *previewcache.RedisCache
}

type Service struct {
	cfg      config.Config
	log      *logger.Logger
	store    dataStore
	gen      storyGenerator
	history  historyService
	search   librarySearch
	cache    contractCache
	exporter storyExporter

	now func() time.Time
	// background runs generation jobs; tests swap it for an inline call.
	background func(func())
	jobs       sync.WaitGroup
}

func New(cfg config.Config, log *logger.Logger, deps Deps) *Service {
	if log == nil {
		log = logger.Nop()
	}
	svc := &Service{
		cfg:      cfg,
		log:      log.With("service", "Talewise"),
		store:    deps.Store,
		gen:      deps.Generator,
		exporter: deps.Exporter,
		now:      time.Now,
	}
	// Typed nil pointers would defeat the nil checks on these interfaces.
	if deps.History != nil {
		svc.history = deps.History
	}
	if deps.Search != nil {
		svc.search = deps.Search
	}
	if deps.Cache != nil {
		svc.cache = deps.Cache
	}
	svc.background = svc.goJob
	return svc
}

func (s *Service) goJob(fn func()) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		fn()
	}()
}

// Wait blocks until in-flight generation jobs have finished or ctx expires.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bootstrap publishes the embedded seed rule set when no default exists,
// fails generations orphaned by a previous process and refreshes the library
// index.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.store.GetDefaultRuleSetVersion(ctx); errors.Is(err, sql.ErrNoRows) {
		seed, err := rules.DefaultRuleSet()
		if err != nil {
			return fmt.Errorf("load seed rule set: %w", err)
		}
		if _, err := s.store.InsertRuleSet(ctx, seed); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("publish seed rule set: %w", err)
		}
		ok, err := s.store.SetDefaultRuleSetVersion(ctx, seed.Version)
		if err != nil {
			return fmt.Errorf("set default rule set: %w", err)
		}
		if ok {
			s.log.Info("seed rule set published", "version", seed.Version)
		} else {
			s.log.Warn("seed rule set could not become default", "version", seed.Version)
		}
	} else if err != nil {
		return fmt.Errorf("read default rule set: %w", err)
	}

	recovered, err := s.RecoverStaleGenerations(ctx, s.cfg.StaleGeneration)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.log.Warn("stale generations failed", "count", recovered)
	}

	if s.search != nil {
		entries, err := s.store.ListLibraryEntries(ctx)
		if err != nil {
			return fmt.Errorf("list library entries: %w", err)
		}
		records := make([]search.StoryRecord, 0, len(entries))
		for _, entry := range entries {
			records = append(records, storyRecordFromEntry(entry))
		}
		s.search.ReindexAll(records)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---------------------------------------------------------------------------
// Rule sets

func (s *Service) ListRuleSets(ctx context.Context) (map[string]any, error) {
	items, err := s.store.ListRuleSets(ctx)
	if err != nil {
		return nil, err
	}
	defaultVersion, err := s.store.GetDefaultRuleSetVersion(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return map[string]any{
		"defaultVersion": nilIfEmpty(defaultVersion),
		"ruleSets":       items,
	}, nil
}

func (s *Service) GetRuleSet(ctx context.Context, version string) (rules.RuleSet, error) {
	rs, err := s.store.GetRuleSet(ctx, version)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.RuleSet{}, notFound("Rule set")
	}
	return rs, err
}

// PublishRuleSet stores a new immutable version. Republishing a tag is a conflict.
func (s *Service) PublishRuleSet(ctx context.Context, rs rules.RuleSet) (rules.RuleSet, error) {
	rs.Status = rules.RuleSetActive
	if err := rs.Validate(); err != nil {
		return rules.RuleSet{}, asValidation(err)
	}
	published, err := s.store.InsertRuleSet(ctx, rs)
	if errors.Is(err, store.ErrConflict) {
		return rules.RuleSet{}, domainError(http.StatusConflict, CodeConflict, "Rule set version already published", map[string]any{"version": rs.Version})
	}
	if err != nil {
		return rules.RuleSet{}, err
	}
	s.log.Info("rule set published", "version", published.Version)
	return published, nil
}

func (s *Service) SetDefaultRuleSet(ctx context.Context, version string) (rules.RuleSet, error) {
	rs, err := s.GetRuleSet(ctx, version)
	if err != nil {
		return rules.RuleSet{}, err
	}
	if rs.Status == rules.RuleSetRetired {
		return rules.RuleSet{}, domainError(http.StatusConflict, CodeRuleSetRetired, "Retired rule sets cannot become default", map[string]any{"version": version})
	}
	ok, err := s.store.SetDefaultRuleSetVersion(ctx, version)
	if err != nil {
		return rules.RuleSet{}, err
	}
	if !ok {
		return rules.RuleSet{}, domainError(http.StatusConflict, CodeRuleSetRetired, "Rule set was retired concurrently", map[string]any{"version": version})
	}
	s.log.Info("default rule set changed", "version", version)
	return rs, nil
}

func (s *Service) RetireRuleSet(ctx context.Context, version string) (rules.RuleSet, error) {
	rs, err := s.GetRuleSet(ctx, version)
	if err != nil {
		return rules.RuleSet{}, err
	}
	if rs.Status == rules.RuleSetRetired {
		return rs, nil
	}
	defaultVersion, err := s.store.GetDefaultRuleSetVersion(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rules.RuleSet{}, err
	}
	if defaultVersion == version {
		return rules.RuleSet{}, domainError(http.StatusConflict, CodeConflict, "The default rule set cannot be retired", map[string]any{"version": version})
	}
	ok, err := s.store.RetireRuleSet(ctx, version)
	if err != nil {
		return rules.RuleSet{}, err
	}
	if !ok {
		return rules.RuleSet{}, domainError(http.StatusConflict, CodeConflict, "Rule set became default concurrently", map[string]any{"version": version})
	}
	rs.Status = rules.RuleSetRetired
	s.log.Info("rule set retired", "version", version)
	return rs, nil
}

// ---------------------------------------------------------------------------
// helpers

func asValidation(err error) error {
	var validationErr *rules.ValidationError
	if errors.As(err, &validationErr) {
		return validationError(validationErr.Field, validationErr.Message)
	}
	return err
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
