package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"talewise/api/internal/config"
	"talewise/api/internal/logger"
	"talewise/api/internal/rules"
)

func openIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, config.Config{DatabaseURL: dsn})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), logger.Nop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedBriefAndDraft(t *testing.T, ctx context.Context, s *PostgresStore) (Brief, Draft) {
	t.Helper()
	rs, err := rules.DefaultRuleSet()
	if err != nil {
		t.Fatalf("seed rule set: %v", err)
	}
	if _, err := s.InsertRuleSet(ctx, rs); err != nil {
		t.Fatalf("insert rule set: %v", err)
	}
	if ok, err := s.SetDefaultRuleSetVersion(ctx, rs.Version); err != nil || !ok {
		t.Fatalf("set default: ok=%v err=%v", ok, err)
	}

	brief, err := s.InsertBrief(ctx, rules.Brief{
		ID:             "brf_test",
		TopicKey:       "storms",
		Situation:      "hides during thunderstorms",
		AgeGroup:       rules.AgePreschool,
		EmotionalGoals: []string{"reduce_fear"},
		Sensitivity:    rules.SensitivityHigh,
		EndingStyle:    "empowering",
		CreatorID:      "spec-1",
	})
	if err != nil {
		t.Fatalf("insert brief: %v", err)
	}
	if ok, err := s.PinBriefRuleSet(ctx, brief.ID, rs.Version); err != nil || !ok {
		t.Fatalf("pin: ok=%v err=%v", ok, err)
	}

	contract := rules.Resolve(brief.Brief, rs, nil)
	now := time.Now().UTC()
	draft, err := s.InsertDraft(ctx, Draft{
		ID:                  "drf_test",
		BriefID:             brief.ID,
		Contract:            contract,
		Status:              DraftGenerating,
		GenerationStartedAt: &now,
	}, DraftEvent{ToStatus: DraftGenerating, Action: "generate", Actor: "spec-1"})
	if err != nil {
		t.Fatalf("insert draft: %v", err)
	}
	return brief, draft
}

func TestPostgresStoreDraftCompareAndSwap(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	brief, draft := seedBriefAndDraft(t, ctx, s)

	if draft.Version != 1 {
		t.Fatalf("expected version 1, got %d", draft.Version)
	}
	if _, err := s.InsertDraft(ctx, Draft{ID: "drf_other", BriefID: brief.ID, Status: DraftGenerating}, DraftEvent{ToStatus: DraftGenerating, Action: "generate"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second draft, got %v", err)
	}

	next := draft
	next.Status = DraftGenerated
	next.Title = "Brave in the Storm"
	next.Pages = []Page{{PageNumber: 1, Text: "Thunder rolled."}, {PageNumber: 2, Text: "Mia breathed like a balloon."}}
	updated, err := s.CompareAndSwapDraft(ctx, next, draft.Version, DraftEvent{FromStatus: DraftGenerating, ToStatus: DraftGenerated, Action: "generation_succeeded"})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if updated.Version != 2 || len(updated.Pages) != 2 || updated.Status != DraftGenerated {
		t.Fatalf("unexpected updated draft: %+v", updated)
	}

	stale := next
	stale.Title = "lost update"
	if _, err := s.CompareAndSwapDraft(ctx, stale, draft.Version, DraftEvent{FromStatus: DraftGenerated, ToStatus: DraftGenerated, Action: "update"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	events, err := s.ListDraftEvents(ctx, draft.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[1].Action != "generation_succeeded" {
		t.Fatalf("expected the lost write to leave no event, got %+v", events)
	}

	_, err = s.DB().ExecContext(ctx, `UPDATE draft_events SET action='tampered' WHERE draft_id=$1`, draft.ID)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.SQLState() != "55000" {
		t.Fatalf("expected append-only guard, got %v", err)
	}
}

func TestPostgresStoreApplyProposal(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	_, draft := seedBriefAndDraft(t, ctx, s)

	draft.Status = DraftGenerated
	draft.Pages = []Page{{PageNumber: 1, Text: "one"}, {PageNumber: 2, Text: "two"}}
	draft, err := s.CompareAndSwapDraft(ctx, draft, draft.Version, DraftEvent{FromStatus: DraftGenerating, ToStatus: DraftGenerated, Action: "generation_succeeded"})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}

	session, err := s.InsertReviewSession(ctx, ReviewSession{ID: "rvs_1", DraftID: draft.ID, SpecialistID: "spec-1"})
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if _, err := s.InsertReviewSession(ctx, ReviewSession{ID: "rvs_2", DraftID: draft.ID, SpecialistID: "spec-1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected one active session per specialist, got %v", err)
	}

	proposal, err := s.InsertProposal(ctx, Proposal{ID: "prp_1", SessionID: session.ID, DraftID: draft.ID, PageNumber: 2, SuggestedText: "TWO", BasedOnRevisionCount: 0})
	if err != nil {
		t.Fatalf("insert proposal: %v", err)
	}

	next := draft
	next.Status = DraftEditing
	next.RevisionCount = 1
	next.EditsCommitted = true
	next.Pages = []Page{{PageNumber: 1, Text: "one"}, {PageNumber: 2, Text: "TWO"}}
	applied, err := s.ApplyProposal(ctx, next, draft.Version, session.ID, proposal.ID, DraftEvent{FromStatus: DraftGenerated, ToStatus: DraftEditing, Action: "proposal_applied", Revision: 1})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.RevisionCount != 1 || applied.Pages[1].Text != "TWO" {
		t.Fatalf("unexpected applied draft: %+v", applied)
	}

	// The proposal is already accepted, so a second apply rolls back the draft swap too.
	if _, err := s.ApplyProposal(ctx, next, applied.Version, session.ID, proposal.ID, DraftEvent{ToStatus: DraftEditing, Action: "proposal_applied"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for decided proposal, got %v", err)
	}
	reread, err := s.GetDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if reread.Version != applied.Version || reread.RevisionCount != 1 {
		t.Fatalf("rolled back apply must not change the draft: %+v", reread)
	}
	got, err := s.GetReviewSession(ctx, session.ID)
	if err != nil || got.RevisionCount != 1 {
		t.Fatalf("expected session mirror 1, got %+v err=%v", got, err)
	}
	if ok, err := s.RejectProposal(ctx, session.ID, proposal.ID); err != nil || ok {
		t.Fatalf("accepted proposal must not be rejectable: ok=%v err=%v", ok, err)
	}
}

func TestPostgresStoreBriefOverrideHistory(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	brief, _ := seedBriefAndDraft(t, ctx, s)

	first := rules.Override{CopingToolID: "counting", Reason: "first", AppliedAt: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	again := rules.Override{CopingToolID: "counting", Reason: "again", AppliedAt: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)}
	for _, override := range []rules.Override{first, again} {
		if err := s.SaveBriefOverride(ctx, brief.ID, override, rules.Contract{RuleSetVersion: "v1"}); err != nil {
			t.Fatalf("save override: %v", err)
		}
	}
	history, err := s.ListBriefOverrides(ctx, brief.ID)
	if err != nil {
		t.Fatalf("list overrides: %v", err)
	}
	if len(history) != 1 || history[0].Reason != "again" {
		t.Fatalf("expected one upserted override row, got %+v", history)
	}

	stored, err := s.GetBrief(ctx, brief.ID)
	if err != nil {
		t.Fatalf("get brief: %v", err)
	}
	if stored.Override == nil || stored.Override.CopingToolID != "counting" || stored.RuleSetVersion != "v1" {
		t.Fatalf("unexpected stored brief: %+v", stored)
	}
	if ok, err := s.PinBriefRuleSet(ctx, brief.ID, "v1"); err != nil || ok {
		t.Fatalf("pin must be write-once: ok=%v err=%v", ok, err)
	}

	if err := s.ClearBriefOverride(ctx, brief.ID, rules.Contract{RuleSetVersion: "v1"}); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	if _, err := s.GetBrief(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}
