package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"talewise/api/internal/drafthistory"
	"talewise/api/internal/generator"
	"talewise/api/internal/rules"
	"talewise/api/internal/store"
	"talewise/api/internal/util"
)

const (
	defaultGenerationTimeout = 90 * time.Second
	defaultProposalTimeout   = 45 * time.Second
	approvalTag              = "approved"
)

type UpdateDraftInput struct {
	Title           *string      `json:"title"`
	Pages           []store.Page `json:"pages"`
	ExpectedVersion int64        `json:"expectedVersion"`
}

type CompareResult struct {
	From    string                    `json:"from"`
	To      string                    `json:"to"`
	Changes []drafthistory.PageChange `json:"changes"`
}

// GenerateDraft starts generation for the brief's draft, creating the draft on
// first call and retrying a failed one in place. The returned draft is in
// draft_generating; the generator result lands asynchronously.
func (s *Service) GenerateDraft(ctx context.Context, briefID, actor string) (store.Draft, error) {
	brief, err := s.loadBrief(ctx, briefID)
	if err != nil {
		return store.Draft{}, err
	}
	rs, brief, err := s.pinnedRuleSet(ctx, brief)
	if err != nil {
		return store.Draft{}, err
	}
	contract := rules.Resolve(brief.Brief, rs, brief.Override)
	if !contract.Valid() {
		return store.Draft{}, domainError(http.StatusUnprocessableEntity, CodeContractInvalid, "Contract has blocking errors", map[string]any{
			"errors":   contract.Errors,
			"contract": contract,
		})
	}

	startedAt := s.timestamp()
	existing, err := s.store.GetDraftByBrief(ctx, brief.ID)
	var draft store.Draft
	switch {
	case errors.Is(err, sql.ErrNoRows):
		draft, err = s.store.InsertDraft(ctx, store.Draft{
			ID:                  util.NewID("drf"),
			BriefID:             brief.ID,
			Contract:            contract,
			Status:              store.DraftGenerating,
			GenerationStartedAt: &startedAt,
		}, store.DraftEvent{
			FromStatus: store.DraftCreated,
			ToStatus:   store.DraftGenerating,
			Action:     "generate",
			Actor:      actor,
			Details:    map[string]any{"ruleSetVersion": contract.RuleSetVersion, "fingerprint": contract.Fingerprint()},
		})
		if errors.Is(err, store.ErrConflict) {
			return store.Draft{}, domainError(http.StatusConflict, CodeConflict, "Generation already started for this brief", map[string]any{"briefId": brief.ID})
		}
		if err != nil {
			return store.Draft{}, err
		}
	case err != nil:
		return store.Draft{}, err
	default:
		switch existing.Status {
		case store.DraftCreated, store.DraftFailed:
		case store.DraftApproved:
			return store.Draft{}, draftImmutable(existing.ID)
		default:
			return store.Draft{}, invalidTransition(existing.Status, store.DraftGenerating)
		}
		next := existing
		next.Status = store.DraftGenerating
		next.Contract = contract
		next.FailureMessage = ""
		next.GenerationStartedAt = &startedAt
		draft, err = s.swapDraft(ctx, existing, next, store.DraftEvent{
			Action:  "generate",
			Actor:   actor,
			Details: map[string]any{"retry": existing.Status == store.DraftFailed, "fingerprint": contract.Fingerprint()},
		})
		if err != nil {
			return store.Draft{}, err
		}
	}

	s.log.Info("generation started", "draft_id", draft.ID, "brief_id", brief.ID, "specialist_id", actor)
	request := generator.DraftRequest{Contract: contract, Brief: brief.Brief}
	s.background(func() { s.runGeneration(draft, request, actor) })
	return draft, nil
}

// runGeneration calls the generator and records the outcome. It outlives the
// request that started it, so it uses its own deadline.
func (s *Service) runGeneration(draft store.Draft, request generator.DraftRequest, actor string) {
	timeout := durationOr(s.cfg.GenerationTimeout, defaultGenerationTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	result, err := s.gen.Generate(ctx, request)
	if err == nil {
		err = result.Validate()
	}
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	next := draft
	event := store.DraftEvent{Actor: actor}
	if err != nil {
		message := err.Error()
		if timedOut {
			message = fmt.Sprintf("generation timed out after %s", timeout)
		}
		next.Status = store.DraftFailed
		next.FailureMessage = message
		event.Action = "generation_failed"
		event.Details = map[string]any{"error": message}
	} else {
		next.Status = store.DraftGenerated
		next.Title = strings.TrimSpace(result.Title)
		next.Pages = result.Pages
		next.GenerationConfig = result.GenerationConfig
		next.FailureMessage = ""
		event.Action = "generation_succeeded"
		event.Details = map[string]any{"pages": len(result.Pages)}
	}

	writeCtx, writeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer writeCancel()
	updated, swapErr := s.swapDraft(writeCtx, draft, next, event)
	if swapErr != nil {
		s.log.Warn("generation result discarded", "draft_id", draft.ID, "error", swapErr)
		return
	}
	if err != nil {
		s.log.Warn("generation failed", "draft_id", draft.ID, "timed_out", timedOut, "error", err)
		return
	}
	s.log.Info("generation finished", "draft_id", draft.ID, "pages", len(updated.Pages))
	s.recordHistory(updated, actor, "Generate draft")
}

func (s *Service) GetDraft(ctx context.Context, draftID string) (store.Draft, error) {
	draft, err := s.store.GetDraft(ctx, draftID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Draft{}, notFound("Draft")
	}
	return draft, err
}

func (s *Service) EnterEditMode(ctx context.Context, draftID, actor string) (store.Draft, error) {
	draft, err := s.GetDraft(ctx, draftID)
	if err != nil {
		return store.Draft{}, err
	}
	switch draft.Status {
	case store.DraftApproved:
		return store.Draft{}, draftImmutable(draft.ID)
	case store.DraftEditing:
		return draft, nil
	case store.DraftGenerated:
	default:
		return store.Draft{}, invalidTransition(draft.Status, store.DraftEditing)
	}
	next := draft
	next.Status = store.DraftEditing
	next.EditBaseRevision = draft.RevisionCount
	next.EditsCommitted = false
	return s.swapDraft(ctx, draft, next, store.DraftEvent{Action: "enter_edit", Actor: actor})
}

// CancelEditMode returns to draft_generated, allowed only while nothing has
// been committed in the current edit session.
func (s *Service) CancelEditMode(ctx context.Context, draftID, actor string) (store.Draft, error) {
	draft, err := s.GetDraft(ctx, draftID)
	if err != nil {
		return store.Draft{}, err
	}
	switch draft.Status {
	case store.DraftApproved:
		return store.Draft{}, draftImmutable(draft.ID)
	case store.DraftEditing:
	default:
		return store.Draft{}, invalidTransition(draft.Status, store.DraftGenerated)
	}
	if draft.EditsCommitted {
		return store.Draft{}, domainError(http.StatusConflict, CodeEditsCommitted, "Edits were already saved in this edit session", map[string]any{
			"editBaseRevision": draft.EditBaseRevision,
			"revisionCount":    draft.RevisionCount,
		})
	}
	next := draft
	next.Status = store.DraftGenerated
	return s.swapDraft(ctx, draft, next, store.DraftEvent{Action: "cancel_edit", Actor: actor})
}

// UpdateDraft replaces the title and/or the whole page array. It enters
// editing implicitly and never touches the revision count.
func (s *Service) UpdateDraft(ctx context.Context, draftID, actor string, input UpdateDraftInput) (store.Draft, error) {
	draft, err := s.GetDraft(ctx, draftID)
	if err != nil {
		return store.Draft{}, err
	}
	switch draft.Status {
	case store.DraftApproved:
		return store.Draft{}, draftImmutable(draft.ID)
	case store.DraftGenerated, store.DraftEditing:
	default:
		return store.Draft{}, invalidTransition(draft.Status, store.DraftEditing)
	}
	if input.ExpectedVersion != 0 && input.ExpectedVersion != draft.Version {
		return store.Draft{}, versionConflict(input.ExpectedVersion, "", draft.Version, draft.Status)
	}
	if input.Title == nil && input.Pages == nil {
		return store.Draft{}, validationError("pages", "title or pages is required")
	}

	next := draft
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return store.Draft{}, validationError("title", "title cannot be blank")
		}
		next.Title = title
	}
	if input.Pages != nil {
		if err := (generator.DraftResult{Pages: input.Pages}).Validate(); err != nil {
			return store.Draft{}, validationError("pages", strings.TrimPrefix(err.Error(), generator.ErrMalformedResult.Error()+": "))
		}
		next.Pages = append([]store.Page(nil), input.Pages...)
	}
	if draft.Status == store.DraftGenerated {
		next.EditBaseRevision = draft.RevisionCount
	}
	next.Status = store.DraftEditing
	next.EditsCommitted = true

	updated, err := s.swapDraft(ctx, draft, next, store.DraftEvent{
		Action:  "update",
		Actor:   actor,
		Details: map[string]any{"pagesReplaced": input.Pages != nil, "titleChanged": input.Title != nil},
	})
	if err != nil {
		return store.Draft{}, err
	}
	s.recordHistory(updated, actor, "Edit draft")
	return updated, nil
}

// ApproveDraft is the one-way publish step. sessionID, when given, must be a
// session of the approving specialist on this draft.
func (s *Service) ApproveDraft(ctx context.Context, draftID, specialistID, sessionID string) (store.Draft, error) {
	if strings.TrimSpace(specialistID) == "" {
		return store.Draft{}, validationError("specialistId", "specialistId is required")
	}
	draft, err := s.GetDraft(ctx, draftID)
	if err != nil {
		return store.Draft{}, err
	}
	switch draft.Status {
	case store.DraftApproved:
		return store.Draft{}, draftImmutable(draft.ID)
	case store.DraftGenerated, store.DraftEditing:
	default:
		return store.Draft{}, invalidTransition(draft.Status, store.DraftApproved)
	}
	if draft.RevisionCount > MaxRevisions {
		return store.Draft{}, domainError(http.StatusConflict, CodeRevisionLimit, "Draft exceeds the revision limit", map[string]any{"revisionCount": draft.RevisionCount, "max": MaxRevisions})
	}
	if sessionID != "" {
		session, err := s.store.GetReviewSession(ctx, sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Draft{}, notFound("Review session")
		}
		if err != nil {
			return store.Draft{}, err
		}
		if session.DraftID != draft.ID {
			return store.Draft{}, validationError("sessionId", "session belongs to a different draft")
		}
		if session.SpecialistID != specialistID {
			return store.Draft{}, domainError(http.StatusForbidden, CodeForbidden, "Session belongs to another specialist", nil)
		}
	}

	approvedAt := s.timestamp()
	next := draft
	next.Status = store.DraftApproved
	next.ApprovedAt = &approvedAt
	next.ApprovedBy = specialistID
	details := map[string]any{"revisionCount": draft.RevisionCount}
	if sessionID != "" {
		details["sessionId"] = sessionID
	}
	updated, err := s.swapDraft(ctx, draft, next, store.DraftEvent{Action: "approve", Actor: specialistID, Details: details})
	if err != nil {
		return store.Draft{}, err
	}
	s.log.Info("draft approved", "draft_id", updated.ID, "specialist_id", specialistID, "revision_count", updated.RevisionCount)

	if s.recordHistory(updated, specialistID, "Approve draft") {
		if err := s.history.Tag(updated.ID, approvalTag, specialistID); err != nil {
			s.log.Warn("tag approval failed", "draft_id", updated.ID, "error", err)
		}
	}
	s.indexApproved(ctx, updated)
	return updated, nil
}

func (s *Service) ListDraftEvents(ctx context.Context, draftID string) ([]store.DraftEvent, error) {
	if _, err := s.GetDraft(ctx, draftID); err != nil {
		return nil, err
	}
	return s.store.ListDraftEvents(ctx, draftID)
}

func (s *Service) DraftHistory(ctx context.Context, draftID string, limit int) ([]drafthistory.CommitInfo, error) {
	if _, err := s.GetDraft(ctx, draftID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []drafthistory.CommitInfo{}, nil
	}
	return s.history.History(draftID, limit)
}

func (s *Service) DraftRevision(ctx context.Context, draftID, rev string) (drafthistory.Snapshot, error) {
	if _, err := s.GetDraft(ctx, draftID); err != nil {
		return drafthistory.Snapshot{}, err
	}
	if s.history == nil {
		return drafthistory.Snapshot{}, notFound("Revision")
	}
	snapshot, err := s.history.Get(draftID, rev)
	if err != nil {
		return drafthistory.Snapshot{}, domainError(http.StatusNotFound, CodeNotFound, "Revision not found", map[string]any{"revision": rev})
	}
	return snapshot, nil
}

// CompareRevisions diffs page text between two history revisions.
func (s *Service) CompareRevisions(ctx context.Context, draftID, from, to string) (CompareResult, error) {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return CompareResult{}, validationError("from", "from and to revisions are required")
	}
	before, err := s.DraftRevision(ctx, draftID, from)
	if err != nil {
		return CompareResult{}, err
	}
	after, err := s.DraftRevision(ctx, draftID, to)
	if err != nil {
		return CompareResult{}, err
	}
	return CompareResult{From: from, To: to, Changes: drafthistory.DiffPages(before, after)}, nil
}

// RecoverStaleGenerations fails drafts left in draft_generating longer than
// olderThan, typically by a process that died mid-call.
func (s *Service) RecoverStaleGenerations(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.timestamp().Add(-durationOr(olderThan, 10*time.Minute))
	stale, err := s.store.ListStaleGenerating(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, draft := range stale {
		next := draft
		next.Status = store.DraftFailed
		next.FailureMessage = "generation interrupted"
		_, err := s.swapDraft(ctx, draft, next, store.DraftEvent{Action: "generation_interrupted", Actor: "system"})
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// swapDraft persists next with compare-and-swap on current's version. A lost
// race is reported against the draft's latest state.
func (s *Service) swapDraft(ctx context.Context, current, next store.Draft, event store.DraftEvent) (store.Draft, error) {
	event.FromStatus = current.Status
	event.ToStatus = next.Status
	event.Revision = next.RevisionCount
	updated, err := s.store.CompareAndSwapDraft(ctx, next, current.Version, event)
	if errors.Is(err, store.ErrConflict) {
		return store.Draft{}, s.conflictFor(ctx, current)
	}
	return updated, err
}

func (s *Service) conflictFor(ctx context.Context, current store.Draft) error {
	latest, err := s.store.GetDraft(ctx, current.ID)
	if err != nil {
		return versionConflict(current.Version, current.Status, 0, "")
	}
	if latest.Status == store.DraftApproved {
		return draftImmutable(latest.ID)
	}
	return versionConflict(current.Version, current.Status, latest.Version, latest.Status)
}

// recordHistory commits the draft's pages; failures are logged, never returned.
func (s *Service) recordHistory(draft store.Draft, author, message string) bool {
	if s.history == nil {
		return false
	}
	if _, err := s.history.Record(draft.ID, drafthistory.SnapshotOf(draft), author, message); err != nil {
		s.log.Warn("history commit failed", "draft_id", draft.ID, "error", err)
		return false
	}
	return true
}
