package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"talewise/api/internal/config"
	"talewise/api/internal/drafthistory"
	"talewise/api/internal/export"
	"talewise/api/internal/generator"
	"talewise/api/internal/logger"
	"talewise/api/internal/rules"
	"talewise/api/internal/search"
	"talewise/api/internal/store"
)

// memStore is an in-memory dataStore with the same conditional-write
// semantics as the PostgreSQL store.
type memStore struct {
	mu             sync.Mutex
	ruleSets       map[string]rules.RuleSet
	defaultVersion string
	briefs         map[string]store.Brief
	overrides      map[string]map[string]store.OverrideRecord
	drafts         map[string]store.Draft
	events         []store.DraftEvent
	sessions       map[string]store.ReviewSession
	messages       []store.Message
	proposals      map[string]store.Proposal
	seq            int64

	pingFn func(context.Context) error
}

func newMemStore() *memStore {
	return &memStore{
		ruleSets:  make(map[string]rules.RuleSet),
		briefs:    make(map[string]store.Brief),
		overrides: make(map[string]map[string]store.OverrideRecord),
		drafts:    make(map[string]store.Draft),
		sessions:  make(map[string]store.ReviewSession),
		proposals: make(map[string]store.Proposal),
	}
}

func (m *memStore) nextSeq() int64 {
	m.seq++
	return m.seq
}

func (m *memStore) InsertRuleSet(_ context.Context, rs rules.RuleSet) (rules.RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ruleSets[rs.Version]; exists {
		return rules.RuleSet{}, store.ErrConflict
	}
	rs.CreatedAt = time.Now().UTC()
	m.ruleSets[rs.Version] = rs
	return rs, nil
}

func (m *memStore) GetRuleSet(_ context.Context, version string) (rules.RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.ruleSets[version]
	if !ok {
		return rules.RuleSet{}, sql.ErrNoRows
	}
	return rs, nil
}

func (m *memStore) ListRuleSets(context.Context) ([]rules.RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]rules.RuleSet, 0, len(m.ruleSets))
	for _, rs := range m.ruleSets {
		items = append(items, rs)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

func (m *memStore) GetDefaultRuleSetVersion(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defaultVersion == "" {
		return "", sql.ErrNoRows
	}
	return m.defaultVersion, nil
}

func (m *memStore) SetDefaultRuleSetVersion(_ context.Context, version string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.ruleSets[version]
	if !ok || rs.Status != rules.RuleSetActive {
		return false, nil
	}
	m.defaultVersion = version
	return true, nil
}

func (m *memStore) RetireRuleSet(_ context.Context, version string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.ruleSets[version]
	if !ok || rs.Status != rules.RuleSetActive || m.defaultVersion == version {
		return false, nil
	}
	rs.Status = rules.RuleSetRetired
	m.ruleSets[version] = rs
	return true, nil
}

func (m *memStore) InsertBrief(_ context.Context, brief rules.Brief) (store.Brief, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.briefs[brief.ID]; exists {
		return store.Brief{}, store.ErrConflict
	}
	brief.CreatedAt = time.Now().UTC()
	stored := store.Brief{Brief: brief}
	m.briefs[brief.ID] = stored
	return stored, nil
}

func (m *memStore) GetBrief(_ context.Context, briefID string) (store.Brief, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	brief, ok := m.briefs[briefID]
	if !ok {
		return store.Brief{}, sql.ErrNoRows
	}
	return brief, nil
}

func (m *memStore) PinBriefRuleSet(_ context.Context, briefID, version string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	brief, ok := m.briefs[briefID]
	rs, known := m.ruleSets[version]
	if !ok || brief.RuleSetVersion != "" || !known || rs.Status != rules.RuleSetActive {
		return false, nil
	}
	brief.RuleSetVersion = version
	m.briefs[briefID] = brief
	return true, nil
}

func (m *memStore) SaveBriefPreview(_ context.Context, briefID string, preview rules.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	brief, ok := m.briefs[briefID]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now().UTC()
	brief.Preview = &preview
	brief.PreviewUpdatedAt = &now
	m.briefs[briefID] = brief
	return nil
}

func (m *memStore) SaveBriefOverride(_ context.Context, briefID string, override rules.Override, preview rules.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	brief, ok := m.briefs[briefID]
	if !ok {
		return sql.ErrNoRows
	}
	if m.overrides[briefID] == nil {
		m.overrides[briefID] = make(map[string]store.OverrideRecord)
	}
	m.overrides[briefID][override.CopingToolID] = store.OverrideRecord{
		BriefID:      briefID,
		CopingToolID: override.CopingToolID,
		Reason:       override.Reason,
		AppliedAt:    override.AppliedAt,
	}
	brief.Override = &override
	brief.Preview = &preview
	m.briefs[briefID] = brief
	return nil
}

func (m *memStore) ClearBriefOverride(_ context.Context, briefID string, preview rules.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	brief, ok := m.briefs[briefID]
	if !ok {
		return sql.ErrNoRows
	}
	brief.Override = nil
	brief.Preview = &preview
	m.briefs[briefID] = brief
	return nil
}

func (m *memStore) ListBriefOverrides(_ context.Context, briefID string) ([]store.OverrideRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.OverrideRecord, 0)
	for _, record := range m.overrides[briefID] {
		items = append(items, record)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CopingToolID < items[j].CopingToolID })
	return items, nil
}

func (m *memStore) InsertDraft(_ context.Context, d store.Draft, event store.DraftEvent) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.drafts {
		if existing.BriefID == d.BriefID {
			return store.Draft{}, store.ErrConflict
		}
	}
	now := time.Now().UTC()
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	m.drafts[d.ID] = d
	m.appendEvent(d.ID, event)
	return d, nil
}

func (m *memStore) GetDraft(_ context.Context, draftID string) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok {
		return store.Draft{}, sql.ErrNoRows
	}
	return d, nil
}

func (m *memStore) GetDraftByBrief(_ context.Context, briefID string) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drafts {
		if d.BriefID == briefID {
			return d, nil
		}
	}
	return store.Draft{}, sql.ErrNoRows
}

func (m *memStore) casLocked(next store.Draft, expectedVersion int64) (store.Draft, error) {
	current, ok := m.drafts[next.ID]
	if !ok || current.Version != expectedVersion {
		return store.Draft{}, store.ErrConflict
	}
	next.Version = expectedVersion + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	next.Pages = append([]store.Page(nil), next.Pages...)
	return next, nil
}

func (m *memStore) CompareAndSwapDraft(_ context.Context, next store.Draft, expectedVersion int64, event store.DraftEvent) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, err := m.casLocked(next, expectedVersion)
	if err != nil {
		return store.Draft{}, err
	}
	m.drafts[updated.ID] = updated
	if updated.Status == store.DraftApproved {
		for id, session := range m.sessions {
			if session.DraftID == updated.ID && session.Status == store.SessionActive {
				session.Status = store.SessionClosed
				m.sessions[id] = session
			}
		}
	}
	m.appendEvent(updated.ID, event)
	return updated, nil
}

func (m *memStore) ListStaleGenerating(_ context.Context, cutoff time.Time) ([]store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Draft, 0)
	for _, d := range m.drafts {
		if d.Status == store.DraftGenerating && d.GenerationStartedAt != nil && d.GenerationStartedAt.Before(cutoff) {
			items = append(items, d)
		}
	}
	return items, nil
}

func (m *memStore) appendEvent(draftID string, event store.DraftEvent) {
	event.ID = m.nextSeq()
	event.DraftID = draftID
	event.CreatedAt = time.Now().UTC()
	m.events = append(m.events, event)
}

func (m *memStore) ListDraftEvents(_ context.Context, draftID string) ([]store.DraftEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.DraftEvent, 0)
	for _, event := range m.events {
		if event.DraftID == draftID {
			items = append(items, event)
		}
	}
	return items, nil
}

func (m *memStore) InsertReviewSession(_ context.Context, session store.ReviewSession) (store.ReviewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.DraftID == session.DraftID && existing.SpecialistID == session.SpecialistID && existing.Status == store.SessionActive {
			return store.ReviewSession{}, store.ErrConflict
		}
	}
	now := time.Now().UTC()
	session.Status = store.SessionActive
	session.CreatedAt = now
	session.UpdatedAt = now
	m.sessions[session.ID] = session
	return session, nil
}

func (m *memStore) GetReviewSession(_ context.Context, sessionID string) (store.ReviewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return store.ReviewSession{}, sql.ErrNoRows
	}
	return session, nil
}

func (m *memStore) GetActiveReviewSession(_ context.Context, draftID, specialistID string) (store.ReviewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.DraftID == draftID && session.SpecialistID == specialistID && session.Status == store.SessionActive {
			return session, nil
		}
	}
	return store.ReviewSession{}, sql.ErrNoRows
}

func (m *memStore) SyncSessionRevisionCount(_ context.Context, sessionID string, revisionCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return sql.ErrNoRows
	}
	session.RevisionCount = revisionCount
	m.sessions[sessionID] = session
	return nil
}

func (m *memStore) InsertMessage(_ context.Context, message store.Message) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message.CreatedAt = time.Now().UTC()
	m.messages = append(m.messages, message)
	return message, nil
}

func (m *memStore) ListMessages(_ context.Context, sessionID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Message, 0)
	for _, message := range m.messages {
		if message.SessionID == sessionID {
			items = append(items, message)
		}
	}
	return items, nil
}

func (m *memStore) InsertProposal(_ context.Context, proposal store.Proposal) (store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal.CreatedAt = time.Now().UTC().Add(time.Duration(m.nextSeq()))
	m.proposals[proposal.ID] = proposal
	return proposal, nil
}

func (m *memStore) GetProposal(_ context.Context, sessionID, proposalID string) (store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok || proposal.SessionID != sessionID {
		return store.Proposal{}, sql.ErrNoRows
	}
	return proposal, nil
}

func (m *memStore) ListProposals(_ context.Context, sessionID string) ([]store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Proposal, 0)
	for _, proposal := range m.proposals {
		if proposal.SessionID == sessionID {
			items = append(items, proposal)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m *memStore) RejectProposal(_ context.Context, sessionID, proposalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok || proposal.SessionID != sessionID || proposal.Status != store.ProposalProposed {
		return false, nil
	}
	now := time.Now().UTC()
	proposal.Status = store.ProposalRejected
	proposal.DecidedAt = &now
	m.proposals[proposalID] = proposal
	return true, nil
}

func (m *memStore) ApplyProposal(_ context.Context, next store.Draft, expectedVersion int64, sessionID, proposalID string, event store.DraftEvent) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, err := m.casLocked(next, expectedVersion)
	if err != nil {
		return store.Draft{}, err
	}
	proposal, ok := m.proposals[proposalID]
	if !ok || proposal.SessionID != sessionID || proposal.Status != store.ProposalProposed {
		return store.Draft{}, store.ErrConflict
	}
	now := time.Now().UTC()
	proposal.Status = store.ProposalAccepted
	proposal.DecidedAt = &now
	m.proposals[proposalID] = proposal
	session := m.sessions[sessionID]
	session.RevisionCount = updated.RevisionCount
	m.sessions[sessionID] = session
	m.drafts[updated.ID] = updated
	m.appendEvent(updated.ID, event)
	return updated, nil
}

func (m *memStore) ListLibraryEntries(context.Context) ([]store.LibraryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.LibraryEntry, 0)
	for _, d := range m.drafts {
		if d.Status != store.DraftApproved {
			continue
		}
		brief := m.briefs[d.BriefID]
		items = append(items, store.LibraryEntry{DraftID: d.ID, BriefID: d.BriefID, Title: d.Title, TopicKey: brief.TopicKey, AgeGroup: string(brief.AgeGroup), Text: d.PlainText()})
	}
	return items, nil
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

// setDraft lets a test place a draft in an arbitrary state.
func (m *memStore) setDraft(d store.Draft) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Version == 0 {
		d.Version = 1
	}
	m.drafts[d.ID] = d
}

type fakeGenerator struct {
	mu         sync.Mutex
	calls      int
	revisions  int
	generateFn func(context.Context, generator.DraftRequest) (generator.DraftResult, error)
	proposeFn  func(context.Context, generator.RevisionRequest) (generator.RevisionResult, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req generator.DraftRequest) (generator.DraftResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.generateFn != nil {
		return f.generateFn(ctx, req)
	}
	return generator.DraftResult{
		Title: "Mia and the Big Storm",
		Pages: []store.Page{
			{PageNumber: 1, Text: "The sky rumbled over Mia's house."},
			{PageNumber: 2, Text: "Mia held her blanket close."},
			{PageNumber: 3, Text: "She breathed in like a big balloon."},
		},
		GenerationConfig: store.GenerationConfig{Language: "en", TargetAgeGroup: string(req.Contract.AgeGroup), Length: "short", Tone: "gentle"},
	}, nil
}

func (f *fakeGenerator) ProposeRevision(ctx context.Context, req generator.RevisionRequest) (generator.RevisionResult, error) {
	if f.proposeFn != nil {
		return f.proposeFn(ctx, req)
	}
	f.mu.Lock()
	f.revisions++
	n := f.revisions
	f.mu.Unlock()
	return generator.RevisionResult{
		PageNumber:    2,
		SuggestedText: fmt.Sprintf("Mia hugged her blanket, version %d.", n),
		Rationale:     "softer wording",
	}, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.StoryRecord
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]search.Result, 0)
	for _, record := range f.indexed {
		results = append(results, search.Result{DraftID: record.ID, Title: record.Title})
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text, Backend: "fake"}
}

func (f *fakeSearch) IndexStory(record search.StoryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

func (f *fakeSearch) ReindexAll(records []search.StoryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append([]search.StoryRecord(nil), records...)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]rules.Contract
	gets    int
	hits    int
}

func (f *fakeCache) Get(_ context.Context, briefID, version, overrideHash string) (rules.Contract, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	contract, ok := f.entries[briefID+":"+version+":"+overrideHash]
	if ok {
		f.hits++
	}
	return contract, ok, nil
}

func (f *fakeCache) Put(_ context.Context, briefID, overrideHash string, contract rules.Contract) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string]rules.Contract)
	}
	f.entries[briefID+":"+contract.RuleSetVersion+":"+overrideHash] = contract
	return nil
}

type fakeExporter struct {
	exportFn func(context.Context, export.Story, export.Format) (*export.Result, error)
}

func (f *fakeExporter) Export(ctx context.Context, story export.Story, format export.Format) (*export.Result, error) {
	if f.exportFn != nil {
		return f.exportFn(ctx, story, format)
	}
	return &export.Result{Data: []byte(story.Title), Filename: "story." + string(format), MimeType: "text/html; charset=utf-8"}, nil
}

type fixture struct {
	svc    *Service
	store  *memStore
	gen    *fakeGenerator
	search *fakeSearch
}

// newFixture returns a service over in-memory fakes with the seed rule set
// published as default and generation running inline.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := newMemStore()
	seed, err := rules.DefaultRuleSet()
	if err != nil {
		t.Fatalf("DefaultRuleSet() error = %v", err)
	}
	if _, err := ms.InsertRuleSet(context.Background(), seed); err != nil {
		t.Fatalf("insert seed: %v", err)
	}
	ms.defaultVersion = seed.Version

	gen := &fakeGenerator{}
	fs := &fakeSearch{}
	svc := &Service{
		cfg:        config.Config{GenerationTimeout: time.Second, ProposalTimeout: time.Second},
		log:        logger.Nop(),
		store:      ms,
		gen:        gen,
		history:    drafthistory.New(t.TempDir()),
		search:     fs,
		exporter:   &fakeExporter{},
		now:        time.Now,
		background: func(fn func()) { fn() },
	}
	return &fixture{svc: svc, store: ms, gen: gen, search: fs}
}

func storyBrief(ending string) rules.Brief {
	return rules.Brief{
		TopicKey:       "thunderstorms",
		Situation:      "Child hides during storms",
		AgeGroup:       rules.AgePreschool,
		EmotionalGoals: []string{"reduce_fear"},
		Sensitivity:    rules.SensitivityHigh,
		EndingStyle:    ending,
	}
}

func (f *fixture) brief(t *testing.T) store.Brief {
	t.Helper()
	brief, err := f.svc.CreateBrief(context.Background(), storyBrief("empowering"), "spec-1")
	if err != nil {
		t.Fatalf("CreateBrief() error = %v", err)
	}
	return brief
}

// generatedDraft creates a brief and runs generation to draft_generated.
func (f *fixture) generatedDraft(t *testing.T) store.Draft {
	t.Helper()
	brief := f.brief(t)
	started, err := f.svc.GenerateDraft(context.Background(), brief.ID, "spec-1")
	if err != nil {
		t.Fatalf("GenerateDraft() error = %v", err)
	}
	draft, err := f.svc.GetDraft(context.Background(), started.ID)
	if err != nil {
		t.Fatalf("GetDraft() error = %v", err)
	}
	if draft.Status != store.DraftGenerated {
		t.Fatalf("expected draft_generated, got %s (%s)", draft.Status, draft.FailureMessage)
	}
	return draft
}

func requireCode(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
	return domainErr
}
