package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"talewise/api/internal/export"
	"talewise/api/internal/search"
	"talewise/api/internal/store"
)

func (s *Service) SearchLibrary(_ context.Context, q search.Query) search.Response {
	q.Text = strings.TrimSpace(q.Text)
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "none"}
	}
	return s.search.Search(q)
}

// ExportDraft renders an approved story. Drafts still under review cannot be
// exported.
func (s *Service) ExportDraft(ctx context.Context, draftID, format string) (*export.Result, error) {
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		return nil, validationError("format", "format must be html or pdf")
	}
	draft, err := s.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != store.DraftApproved {
		return nil, domainError(http.StatusConflict, CodeDraftNotApproved, "Only approved stories can be exported", map[string]any{"status": draft.Status})
	}
	brief, err := s.loadBrief(ctx, draft.BriefID)
	if err != nil {
		return nil, err
	}

	result, err := s.exporter.Export(ctx, storyForExport(draft, brief), parsed)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, CodeExportUnavailable, "PDF export is not available on this server", nil)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("story exported", "draft_id", draft.ID, "format", string(parsed), "bytes", len(result.Data))
	return result, nil
}

func (s *Service) indexApproved(ctx context.Context, draft store.Draft) {
	if s.search == nil {
		return
	}
	brief, err := s.loadBrief(ctx, draft.BriefID)
	if err != nil {
		s.log.Warn("index approved story", "draft_id", draft.ID, "error", err)
		return
	}
	entry := store.LibraryEntry{
		DraftID:   draft.ID,
		BriefID:   draft.BriefID,
		Title:     draft.Title,
		TopicKey:  brief.TopicKey,
		Situation: brief.Situation,
		AgeGroup:  string(brief.AgeGroup),
		Text:      draft.PlainText(),
	}
	if draft.ApprovedAt != nil {
		entry.ApprovedAt = *draft.ApprovedAt
	}
	s.search.IndexStory(storyRecordFromEntry(entry))
}

func storyRecordFromEntry(entry store.LibraryEntry) search.StoryRecord {
	return search.StoryRecord{
		ID:         entry.DraftID,
		BriefID:    entry.BriefID,
		Title:      entry.Title,
		TopicKey:   entry.TopicKey,
		Situation:  entry.Situation,
		AgeGroup:   entry.AgeGroup,
		Text:       entry.Text,
		ApprovedAt: entry.ApprovedAt.Unix(),
	}
}

func storyForExport(draft store.Draft, brief store.Brief) export.Story {
	story := export.Story{
		DraftID:     draft.ID,
		Title:       draft.Title,
		TopicKey:    brief.TopicKey,
		AgeGroup:    string(brief.AgeGroup),
		KeyMessage:  brief.KeyMessage,
		CopingTools: draft.Contract.AllowedCopingTools,
		ApprovedBy:  draft.ApprovedBy,
	}
	if draft.ApprovedAt != nil {
		story.ApprovedAt = *draft.ApprovedAt
	}
	for _, page := range draft.Pages {
		story.Pages = append(story.Pages, export.Page{Number: page.PageNumber, Text: page.Text, ImagePrompt: page.ImagePrompt})
	}
	return story
}
