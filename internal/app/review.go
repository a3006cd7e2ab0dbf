package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"talewise/api/internal/generator"
	"talewise/api/internal/store"
	"talewise/api/internal/util"
)

const generatorUnavailableReply = "The revision assistant is unavailable right now. Please try again in a moment."

type SessionView struct {
	store.ReviewSession
	Messages  []store.Message  `json:"messages"`
	Proposals []store.Proposal `json:"proposals"`
}

type SendMessageResult struct {
	Message  store.Message  `json:"message"`
	Proposal store.Proposal `json:"proposal"`
	Reply    store.Message  `json:"reply"`
}

// CreateReviewSession opens (or returns) the specialist's active session on
// a reviewable draft.
func (s *Service) CreateReviewSession(ctx context.Context, draftID, specialistID string) (store.ReviewSession, error) {
	if strings.TrimSpace(specialistID) == "" {
		return store.ReviewSession{}, validationError("specialistId", "specialistId is required")
	}
	draft, err := s.GetDraft(ctx, draftID)
	if err != nil {
		return store.ReviewSession{}, err
	}
	if err := reviewable(draft); err != nil {
		return store.ReviewSession{}, err
	}

	existing, err := s.store.GetActiveReviewSession(ctx, draft.ID, specialistID)
	switch {
	case err == nil:
		return s.syncSession(ctx, existing, draft)
	case !errors.Is(err, sql.ErrNoRows):
		return store.ReviewSession{}, err
	}

	session, err := s.store.InsertReviewSession(ctx, store.ReviewSession{
		ID:            util.NewID("rvs"),
		DraftID:       draft.ID,
		SpecialistID:  specialistID,
		RevisionCount: draft.RevisionCount,
	})
	if errors.Is(err, store.ErrConflict) {
		existing, err = s.store.GetActiveReviewSession(ctx, draft.ID, specialistID)
		if err != nil {
			return store.ReviewSession{}, err
		}
		return s.syncSession(ctx, existing, draft)
	}
	if err != nil {
		return store.ReviewSession{}, err
	}
	s.log.Info("review session opened", "session_id", session.ID, "draft_id", draft.ID, "specialist_id", specialistID)
	return session, nil
}

func (s *Service) GetReviewSession(ctx context.Context, sessionID string) (SessionView, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	messages, err := s.store.ListMessages(ctx, session.ID)
	if err != nil {
		return SessionView{}, err
	}
	proposals, err := s.store.ListProposals(ctx, session.ID)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{ReviewSession: session, Messages: messages, Proposals: proposals}, nil
}

// SendMessage records the specialist's request and asks the generator for a
// page proposal against the draft's current pages.
func (s *Service) SendMessage(ctx context.Context, sessionID, specialistID, content string) (SendMessageResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return SendMessageResult{}, validationError("content", "content is required")
	}
	session, draft, err := s.sessionDraft(ctx, sessionID, specialistID)
	if err != nil {
		return SendMessageResult{}, err
	}
	session, err = s.syncSession(ctx, session, draft)
	if err != nil {
		return SendMessageResult{}, err
	}
	if session.RevisionCount >= MaxRevisions {
		return SendMessageResult{}, revisionLimit(session.RevisionCount)
	}

	message, err := s.store.InsertMessage(ctx, store.Message{
		ID:        util.NewID("msg"),
		SessionID: session.ID,
		Role:      store.RoleSpecialist,
		Content:   content,
	})
	if err != nil {
		return SendMessageResult{}, err
	}
	transcript, err := s.store.ListMessages(ctx, session.ID)
	if err != nil {
		return SendMessageResult{}, err
	}
	chat := make([]generator.ChatMessage, 0, len(transcript))
	for _, item := range transcript {
		chat = append(chat, generator.ChatMessage{Role: item.Role, Content: item.Content})
	}

	proposeCtx, cancel := context.WithTimeout(ctx, durationOr(s.cfg.ProposalTimeout, defaultProposalTimeout))
	revision, err := s.gen.ProposeRevision(proposeCtx, generator.RevisionRequest{Pages: draft.Pages, Messages: chat})
	cancel()
	if err != nil {
		s.log.Warn("proposal generation failed", "session_id", session.ID, "error", err)
		reply, insertErr := s.store.InsertMessage(ctx, store.Message{
			ID:        util.NewID("msg"),
			SessionID: session.ID,
			Role:      store.RoleSystem,
			Content:   generatorUnavailableReply,
		})
		if insertErr != nil {
			return SendMessageResult{}, insertErr
		}
		return SendMessageResult{}, domainError(http.StatusBadGateway, CodeGeneratorDown, "Revision generator unavailable", map[string]any{
			"messageId": message.ID,
			"replyId":   reply.ID,
		})
	}

	proposal, err := s.store.InsertProposal(ctx, store.Proposal{
		ID:                   util.NewID("prp"),
		SessionID:            session.ID,
		DraftID:              draft.ID,
		PageNumber:           revision.PageNumber,
		SuggestedText:        revision.SuggestedText,
		ImagePrompt:          revision.ImagePrompt,
		Rationale:            revision.Rationale,
		Status:               store.ProposalProposed,
		BasedOnRevisionCount: session.RevisionCount,
	})
	if err != nil {
		return SendMessageResult{}, err
	}
	reply, err := s.store.InsertMessage(ctx, store.Message{
		ID:        util.NewID("msg"),
		SessionID: session.ID,
		Role:      store.RoleSystem,
		Content:   fmt.Sprintf("Proposed change to page %d: %s", revision.PageNumber, revision.Rationale),
	})
	if err != nil {
		return SendMessageResult{}, err
	}
	return SendMessageResult{Message: message, Proposal: proposal, Reply: reply}, nil
}

// ApplyProposal rewrites the proposal's page and bumps the revision count on
// draft and session in one transaction.
func (s *Service) ApplyProposal(ctx context.Context, sessionID, proposalID, specialistID string) (store.Draft, error) {
	session, draft, err := s.sessionDraft(ctx, sessionID, specialistID)
	if err != nil {
		return store.Draft{}, err
	}
	proposal, err := s.loadProposal(ctx, session.ID, proposalID)
	if err != nil {
		return store.Draft{}, err
	}
	if proposal.Status != store.ProposalProposed {
		return store.Draft{}, proposalClosed(proposal)
	}
	if draft.RevisionCount >= MaxRevisions {
		return store.Draft{}, revisionLimit(draft.RevisionCount)
	}
	if proposal.BasedOnRevisionCount != session.RevisionCount || proposal.BasedOnRevisionCount != draft.RevisionCount {
		return store.Draft{}, domainError(http.StatusConflict, CodeProposalStale, "Proposal was generated against an earlier revision", map[string]any{
			"expectedRevision":   proposal.BasedOnRevisionCount,
			"sessionRevision":    session.RevisionCount,
			"draftRevision":      draft.RevisionCount,
			"draftStatus":        draft.Status,
			"proposalPageNumber": proposal.PageNumber,
		})
	}

	pages := append([]store.Page(nil), draft.Pages...)
	index := -1
	for i := range pages {
		if pages[i].PageNumber == proposal.PageNumber {
			index = i
			break
		}
	}
	if index < 0 {
		return store.Draft{}, validationError("pageNumber", fmt.Sprintf("page %d no longer exists", proposal.PageNumber))
	}
	pages[index].Text = proposal.SuggestedText
	if proposal.ImagePrompt != "" {
		pages[index].ImagePrompt = proposal.ImagePrompt
	}

	next := draft
	next.Pages = pages
	next.RevisionCount = draft.RevisionCount + 1
	if draft.Status == store.DraftGenerated {
		next.EditBaseRevision = draft.RevisionCount
	}
	next.Status = store.DraftEditing
	next.EditsCommitted = true

	updated, err := s.store.ApplyProposal(ctx, next, draft.Version, session.ID, proposal.ID, store.DraftEvent{
		FromStatus: draft.Status,
		ToStatus:   next.Status,
		Action:     "proposal_applied",
		Actor:      specialistID,
		Revision:   next.RevisionCount,
		Details:    map[string]any{"sessionId": session.ID, "proposalId": proposal.ID, "pageNumber": proposal.PageNumber},
	})
	if errors.Is(err, store.ErrConflict) {
		if latest, getErr := s.store.GetProposal(ctx, session.ID, proposal.ID); getErr == nil && latest.Status != store.ProposalProposed {
			return store.Draft{}, proposalClosed(latest)
		}
		return store.Draft{}, s.conflictFor(ctx, draft)
	}
	if err != nil {
		return store.Draft{}, err
	}
	s.log.Info("proposal applied", "draft_id", updated.ID, "session_id", session.ID, "proposal_id", proposal.ID, "revision_count", updated.RevisionCount)
	s.recordHistory(updated, specialistID, fmt.Sprintf("Apply revision %d to page %d", updated.RevisionCount, proposal.PageNumber))
	return updated, nil
}

// RejectProposal is terminal; a rejected proposal can never be applied.
func (s *Service) RejectProposal(ctx context.Context, sessionID, proposalID, specialistID string) (store.Proposal, error) {
	session, _, err := s.sessionDraft(ctx, sessionID, specialistID)
	if err != nil {
		return store.Proposal{}, err
	}
	proposal, err := s.loadProposal(ctx, session.ID, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	ok, err := s.store.RejectProposal(ctx, session.ID, proposal.ID)
	if err != nil {
		return store.Proposal{}, err
	}
	if !ok {
		latest, err := s.loadProposal(ctx, session.ID, proposal.ID)
		if err != nil {
			return store.Proposal{}, err
		}
		return store.Proposal{}, proposalClosed(latest)
	}
	return s.loadProposal(ctx, session.ID, proposal.ID)
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (store.ReviewSession, error) {
	session, err := s.store.GetReviewSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ReviewSession{}, notFound("Review session")
	}
	return session, err
}

// sessionDraft loads the caller's session together with its draft. An
// approved draft reports DRAFT_IMMUTABLE ahead of the session it closed.
func (s *Service) sessionDraft(ctx context.Context, sessionID, specialistID string) (store.ReviewSession, store.Draft, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return store.ReviewSession{}, store.Draft{}, err
	}
	if session.SpecialistID != specialistID {
		return store.ReviewSession{}, store.Draft{}, domainError(http.StatusForbidden, CodeForbidden, "Session belongs to another specialist", nil)
	}
	draft, err := s.GetDraft(ctx, session.DraftID)
	if err != nil {
		return store.ReviewSession{}, store.Draft{}, err
	}
	if err := reviewable(draft); err != nil {
		return store.ReviewSession{}, store.Draft{}, err
	}
	if session.Status != store.SessionActive {
		return store.ReviewSession{}, store.Draft{}, domainError(http.StatusConflict, CodeSessionClosed, "Review session is closed", map[string]any{"sessionId": session.ID})
	}
	return session, draft, nil
}

func (s *Service) loadProposal(ctx context.Context, sessionID, proposalID string) (store.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, sessionID, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Proposal{}, notFound("Proposal")
	}
	return proposal, err
}

// syncSession refreshes the session's mirror of the draft's revision count;
// another session may have applied a proposal since this one last looked.
func (s *Service) syncSession(ctx context.Context, session store.ReviewSession, draft store.Draft) (store.ReviewSession, error) {
	if session.RevisionCount == draft.RevisionCount {
		return session, nil
	}
	if err := s.store.SyncSessionRevisionCount(ctx, session.ID, draft.RevisionCount); err != nil {
		return store.ReviewSession{}, err
	}
	session.RevisionCount = draft.RevisionCount
	return session, nil
}

func reviewable(draft store.Draft) error {
	switch draft.Status {
	case store.DraftGenerated, store.DraftEditing:
		return nil
	case store.DraftApproved:
		return draftImmutable(draft.ID)
	default:
		return domainError(http.StatusConflict, CodeInvalidTransition, "Draft is not ready for review", map[string]any{"status": draft.Status})
	}
}

func revisionLimit(count int) *DomainError {
	return domainError(http.StatusConflict, CodeRevisionLimit, "Revision limit reached; the draft can only be approved", map[string]any{
		"revisionCount": count,
		"max":           MaxRevisions,
	})
}

func proposalClosed(proposal store.Proposal) *DomainError {
	return domainError(http.StatusConflict, CodeProposalClosed, "Proposal was already decided", map[string]any{
		"proposalId": proposal.ID,
		"status":     proposal.Status,
	})
}
