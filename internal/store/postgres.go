package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"talewise/api/internal/rules"
)

// ErrConflict reports that a conditional write found the row in a different
// state than the caller expected, or that a unique key is already taken.
var ErrConflict = errors.New("store: conflicting write")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rule sets

func (s *PostgresStore) InsertRuleSet(ctx context.Context, rs rules.RuleSet) (rules.RuleSet, error) {
	document, err := json.Marshal(rs)
	if err != nil {
		return rules.RuleSet{}, fmt.Errorf("marshal rule set: %w", err)
	}
	status := rs.Status
	if status == "" {
		status = rules.RuleSetActive
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO rule_sets (version, status, document)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, rs.Version, string(status), document).Scan(&rs.CreatedAt)
	if isUniqueViolation(err) {
		return rules.RuleSet{}, ErrConflict
	}
	if err != nil {
		return rules.RuleSet{}, fmt.Errorf("insert rule set: %w", err)
	}
	rs.Status = status
	return rs, nil
}

func (s *PostgresStore) GetRuleSet(ctx context.Context, version string) (rules.RuleSet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status, document, created_at FROM rule_sets WHERE version=$1`, version)
	return scanRuleSet(row)
}

func (s *PostgresStore) ListRuleSets(ctx context.Context) ([]rules.RuleSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, document, created_at FROM rule_sets ORDER BY created_at, version`)
	if err != nil {
		return nil, fmt.Errorf("list rule sets: %w", err)
	}
	defer rows.Close()

	items := make([]rules.RuleSet, 0)
	for rows.Next() {
		item, err := scanRuleSet(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rule sets: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleSet(row rowScanner) (rules.RuleSet, error) {
	var (
		status    string
		document  []byte
		createdAt time.Time
	)
	if err := row.Scan(&status, &document, &createdAt); err != nil {
		return rules.RuleSet{}, err
	}
	var rs rules.RuleSet
	if err := json.Unmarshal(document, &rs); err != nil {
		return rules.RuleSet{}, fmt.Errorf("decode rule set: %w", err)
	}
	rs.Status = rules.RuleSetStatus(status)
	rs.CreatedAt = createdAt
	return rs, nil
}

func (s *PostgresStore) GetDefaultRuleSetVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, `SELECT version FROM rule_set_default WHERE id`).Scan(&version)
	if err != nil {
		return "", err
	}
	return version, nil
}

// SetDefaultRuleSetVersion moves the default pointer; it is a no-op returning
// false when the version is missing or retired.
func (s *PostgresStore) SetDefaultRuleSetVersion(ctx context.Context, version string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_set_default (id, version)
		SELECT TRUE, version FROM rule_sets WHERE version=$1 AND status='active'
		ON CONFLICT (id) DO UPDATE SET version=EXCLUDED.version, updated_at=NOW()
	`, version)
	if err != nil {
		return false, fmt.Errorf("set default rule set: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set default rule set rows: %w", err)
	}
	return affected > 0, nil
}

// RetireRuleSet retires an active, non-default version.
func (s *PostgresStore) RetireRuleSet(ctx context.Context, version string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rule_sets SET status='retired'
		WHERE version=$1 AND status='active'
			AND NOT EXISTS (SELECT 1 FROM rule_set_default WHERE version=$1)
	`, version)
	if err != nil {
		return false, fmt.Errorf("retire rule set: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retire rule set rows: %w", err)
	}
	return affected > 0, nil
}

// ---------------------------------------------------------------------------
// Briefs

const briefColumns = `
	id, topic_key, situation, age_group, emotional_goals, sensitivity, ending_style,
	key_message, creator_id, created_at, coalesce(rule_set_version, ''),
	coalesce(override_tool_id, ''), override_reason, override_applied_at,
	preview_contract, preview_updated_at`

func (s *PostgresStore) InsertBrief(ctx context.Context, brief rules.Brief) (Brief, error) {
	goals, err := json.Marshal(brief.EmotionalGoals)
	if err != nil {
		return Brief{}, fmt.Errorf("marshal goals: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO briefs (id, topic_key, situation, age_group, emotional_goals, sensitivity, ending_style, key_message, creator_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, brief.ID, brief.TopicKey, brief.Situation, string(brief.AgeGroup), goals, string(brief.Sensitivity), brief.EndingStyle, brief.KeyMessage, brief.CreatorID).Scan(&brief.CreatedAt)
	if isUniqueViolation(err) {
		return Brief{}, ErrConflict
	}
	if err != nil {
		return Brief{}, fmt.Errorf("insert brief: %w", err)
	}
	return Brief{Brief: brief}, nil
}

func (s *PostgresStore) GetBrief(ctx context.Context, briefID string) (Brief, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+briefColumns+` FROM briefs WHERE id=$1`, briefID)
	return scanBrief(row)
}

func scanBrief(row rowScanner) (Brief, error) {
	var (
		item              Brief
		ageGroup          string
		sensitivity       string
		goals             []byte
		overrideTool      string
		overrideReason    string
		overrideAppliedAt sql.NullTime
		preview           []byte
		previewUpdatedAt  sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.TopicKey, &item.Situation, &ageGroup, &goals, &sensitivity, &item.EndingStyle,
		&item.KeyMessage, &item.CreatorID, &item.CreatedAt, &item.RuleSetVersion,
		&overrideTool, &overrideReason, &overrideAppliedAt,
		&preview, &previewUpdatedAt,
	)
	if err != nil {
		return Brief{}, err
	}
	item.AgeGroup = rules.AgeGroup(ageGroup)
	item.Sensitivity = rules.Sensitivity(sensitivity)
	if err := json.Unmarshal(goals, &item.EmotionalGoals); err != nil {
		return Brief{}, fmt.Errorf("decode goals: %w", err)
	}
	if overrideTool != "" {
		item.Override = &rules.Override{CopingToolID: overrideTool, Reason: overrideReason}
		if overrideAppliedAt.Valid {
			item.Override.AppliedAt = overrideAppliedAt.Time.UTC()
		}
	}
	if len(preview) > 0 {
		var contract rules.Contract
		if err := json.Unmarshal(preview, &contract); err != nil {
			return Brief{}, fmt.Errorf("decode preview: %w", err)
		}
		item.Preview = &contract
	}
	if previewUpdatedAt.Valid {
		at := previewUpdatedAt.Time
		item.PreviewUpdatedAt = &at
	}
	return item, nil
}

// PinBriefRuleSet pins version on a brief that has none yet. A false return
// means another resolution pinned first; callers re-read the brief.
func (s *PostgresStore) PinBriefRuleSet(ctx context.Context, briefID, version string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE briefs SET rule_set_version=$2
		WHERE id=$1 AND rule_set_version IS NULL
			AND EXISTS (SELECT 1 FROM rule_sets WHERE version=$2 AND status='active')
	`, briefID, version)
	if err != nil {
		return false, fmt.Errorf("pin brief rule set: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pin brief rule set rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SaveBriefPreview(ctx context.Context, briefID string, preview rules.Contract) error {
	raw, err := json.Marshal(preview)
	if err != nil {
		return fmt.Errorf("marshal preview: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE briefs SET preview_contract=$2, preview_updated_at=NOW() WHERE id=$1
	`, briefID, raw)
	if err != nil {
		return fmt.Errorf("save brief preview: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SaveBriefOverride records the override in the brief's history (one row per
// tool, so repeating a tool only refreshes reason and timestamp) and makes it
// the brief's current override alongside the resulting preview.
func (s *PostgresStore) SaveBriefOverride(ctx context.Context, briefID string, override rules.Override, preview rules.Contract) error {
	raw, err := json.Marshal(preview)
	if err != nil {
		return fmt.Errorf("marshal preview: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO brief_overrides (brief_id, coping_tool_id, reason, applied_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (brief_id, coping_tool_id) DO UPDATE SET reason=EXCLUDED.reason, applied_at=EXCLUDED.applied_at
		`, briefID, override.CopingToolID, override.Reason, override.AppliedAt); err != nil {
			return fmt.Errorf("upsert brief override: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE briefs
			SET override_tool_id=$2, override_reason=$3, override_applied_at=$4, preview_contract=$5, preview_updated_at=NOW()
			WHERE id=$1
		`, briefID, override.CopingToolID, override.Reason, override.AppliedAt, raw)
		if err != nil {
			return fmt.Errorf("set brief override: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *PostgresStore) ClearBriefOverride(ctx context.Context, briefID string, preview rules.Contract) error {
	raw, err := json.Marshal(preview)
	if err != nil {
		return fmt.Errorf("marshal preview: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE briefs
		SET override_tool_id=NULL, override_reason='', override_applied_at=NULL, preview_contract=$2, preview_updated_at=NOW()
		WHERE id=$1
	`, briefID, raw)
	if err != nil {
		return fmt.Errorf("clear brief override: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListBriefOverrides(ctx context.Context, briefID string) ([]OverrideRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT brief_id, coping_tool_id, reason, applied_at
		FROM brief_overrides
		WHERE brief_id=$1
		ORDER BY applied_at, coping_tool_id
	`, briefID)
	if err != nil {
		return nil, fmt.Errorf("list brief overrides: %w", err)
	}
	defer rows.Close()

	items := make([]OverrideRecord, 0)
	for rows.Next() {
		var item OverrideRecord
		if err := rows.Scan(&item.BriefID, &item.CopingToolID, &item.Reason, &item.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan brief override: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate brief overrides: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Drafts

const draftColumns = `
	id, brief_id, title, pages, generation_config, contract, status, revision_count,
	edit_base_revision, edits_committed, failure_message, version, generation_started_at,
	approved_at, approved_by, created_at, updated_at`

func scanDraft(row rowScanner) (Draft, error) {
	var (
		item             Draft
		pages            []byte
		generationConfig []byte
		contract         []byte
		startedAt        sql.NullTime
		approvedAt       sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.BriefID, &item.Title, &pages, &generationConfig, &contract, &item.Status, &item.RevisionCount,
		&item.EditBaseRevision, &item.EditsCommitted, &item.FailureMessage, &item.Version, &startedAt,
		&approvedAt, &item.ApprovedBy, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Draft{}, err
	}
	if err := json.Unmarshal(pages, &item.Pages); err != nil {
		return Draft{}, fmt.Errorf("decode pages: %w", err)
	}
	if item.Pages == nil {
		item.Pages = []Page{}
	}
	if err := json.Unmarshal(generationConfig, &item.GenerationConfig); err != nil {
		return Draft{}, fmt.Errorf("decode generation config: %w", err)
	}
	if err := json.Unmarshal(contract, &item.Contract); err != nil {
		return Draft{}, fmt.Errorf("decode contract: %w", err)
	}
	if startedAt.Valid {
		at := startedAt.Time
		item.GenerationStartedAt = &at
	}
	if approvedAt.Valid {
		at := approvedAt.Time
		item.ApprovedAt = &at
	}
	return item, nil
}

type draftPayload struct {
	pages            []byte
	generationConfig []byte
	contract         []byte
}

func encodeDraft(d Draft) (draftPayload, error) {
	pages := d.Pages
	if pages == nil {
		pages = []Page{}
	}
	var (
		out draftPayload
		err error
	)
	if out.pages, err = json.Marshal(pages); err != nil {
		return draftPayload{}, fmt.Errorf("marshal pages: %w", err)
	}
	if out.generationConfig, err = json.Marshal(d.GenerationConfig); err != nil {
		return draftPayload{}, fmt.Errorf("marshal generation config: %w", err)
	}
	if out.contract, err = json.Marshal(d.Contract); err != nil {
		return draftPayload{}, fmt.Errorf("marshal contract: %w", err)
	}
	return out, nil
}

// InsertDraft creates the single draft of a brief together with its first
// event. A second draft for the same brief yields ErrConflict.
func (s *PostgresStore) InsertDraft(ctx context.Context, d Draft, event DraftEvent) (Draft, error) {
	payload, err := encodeDraft(d)
	if err != nil {
		return Draft{}, err
	}
	var out Draft
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO drafts (id, brief_id, title, pages, plain_text, generation_config, contract, status,
				revision_count, edit_base_revision, edits_committed, failure_message, generation_started_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING `+draftColumns,
			d.ID, d.BriefID, d.Title, payload.pages, d.PlainText(), payload.generationConfig, payload.contract, d.Status,
			d.RevisionCount, d.EditBaseRevision, d.EditsCommitted, d.FailureMessage, d.GenerationStartedAt,
		)
		inserted, err := scanDraft(row)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert draft: %w", err)
		}
		event.DraftID = inserted.ID
		if err := insertDraftEvent(ctx, tx, event); err != nil {
			return err
		}
		out = inserted
		return nil
	})
	if err != nil {
		return Draft{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetDraft(ctx context.Context, draftID string) (Draft, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=$1`, draftID)
	return scanDraft(row)
}

func (s *PostgresStore) GetDraftByBrief(ctx context.Context, briefID string) (Draft, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE brief_id=$1`, briefID)
	return scanDraft(row)
}

// CompareAndSwapDraft persists next only if the stored version still equals
// expectedVersion, appending event in the same transaction. The returned draft
// carries the bumped version. A lost race yields ErrConflict.
func (s *PostgresStore) CompareAndSwapDraft(ctx context.Context, next Draft, expectedVersion int64, event DraftEvent) (Draft, error) {
	var out Draft
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		updated, err := casDraftTx(ctx, tx, next, expectedVersion)
		if err != nil {
			return err
		}
		if next.Status == DraftApproved {
			if _, err := tx.ExecContext(ctx, `
				UPDATE review_sessions SET status='closed', updated_at=NOW()
				WHERE draft_id=$1 AND status='active'
			`, next.ID); err != nil {
				return fmt.Errorf("close review sessions: %w", err)
			}
		}
		event.DraftID = next.ID
		if err := insertDraftEvent(ctx, tx, event); err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return Draft{}, err
	}
	return out, nil
}

func casDraftTx(ctx context.Context, tx *sql.Tx, next Draft, expectedVersion int64) (Draft, error) {
	payload, err := encodeDraft(next)
	if err != nil {
		return Draft{}, err
	}
	row := tx.QueryRowContext(ctx, `
		UPDATE drafts
		SET title=$3, pages=$4, plain_text=$5, generation_config=$6, contract=$7, status=$8,
			revision_count=$9, edit_base_revision=$10, edits_committed=$11, failure_message=$12,
			generation_started_at=$13, approved_at=$14, approved_by=$15,
			version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+draftColumns,
		next.ID, expectedVersion, next.Title, payload.pages, next.PlainText(), payload.generationConfig, payload.contract, next.Status,
		next.RevisionCount, next.EditBaseRevision, next.EditsCommitted, next.FailureMessage,
		next.GenerationStartedAt, next.ApprovedAt, next.ApprovedBy,
	)
	updated, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrConflict
	}
	if err != nil {
		return Draft{}, fmt.Errorf("update draft: %w", err)
	}
	return updated, nil
}

// ListStaleGenerating returns drafts stuck in draft_generating since before cutoff.
func (s *PostgresStore) ListStaleGenerating(ctx context.Context, cutoff time.Time) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		WHERE status='draft_generating' AND coalesce(generation_started_at, updated_at) < $1
		ORDER BY updated_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale drafts: %w", err)
	}
	defer rows.Close()

	items := make([]Draft, 0)
	for rows.Next() {
		item, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale draft: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale drafts: %w", err)
	}
	return items, nil
}

func insertDraftEvent(ctx context.Context, tx *sql.Tx, event DraftEvent) error {
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO draft_events (draft_id, from_status, to_status, action, actor, revision, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.DraftID, event.FromStatus, event.ToStatus, event.Action, event.Actor, event.Revision, raw); err != nil {
		return fmt.Errorf("insert draft event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDraftEvents(ctx context.Context, draftID string) ([]DraftEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, draft_id, from_status, to_status, action, actor, revision, details, created_at
		FROM draft_events
		WHERE draft_id=$1
		ORDER BY id
	`, draftID)
	if err != nil {
		return nil, fmt.Errorf("list draft events: %w", err)
	}
	defer rows.Close()

	items := make([]DraftEvent, 0)
	for rows.Next() {
		var (
			item    DraftEvent
			details []byte
		)
		if err := rows.Scan(&item.ID, &item.DraftID, &item.FromStatus, &item.ToStatus, &item.Action, &item.Actor, &item.Revision, &details, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan draft event: %w", err)
		}
		if err := json.Unmarshal(details, &item.Details); err != nil {
			return nil, fmt.Errorf("decode event details: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate draft events: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Review sessions

const sessionColumns = `id, draft_id, specialist_id, revision_count, status, created_at, updated_at`

func scanSession(row rowScanner) (ReviewSession, error) {
	var item ReviewSession
	err := row.Scan(&item.ID, &item.DraftID, &item.SpecialistID, &item.RevisionCount, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

// InsertReviewSession fails with ErrConflict when the specialist already has
// an active session on the draft.
func (s *PostgresStore) InsertReviewSession(ctx context.Context, session ReviewSession) (ReviewSession, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO review_sessions (id, draft_id, specialist_id, revision_count, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING `+sessionColumns,
		session.ID, session.DraftID, session.SpecialistID, session.RevisionCount,
	)
	inserted, err := scanSession(row)
	if isUniqueViolation(err) {
		return ReviewSession{}, ErrConflict
	}
	if err != nil {
		return ReviewSession{}, fmt.Errorf("insert review session: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetReviewSession(ctx context.Context, sessionID string) (ReviewSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM review_sessions WHERE id=$1`, sessionID)
	return scanSession(row)
}

func (s *PostgresStore) GetActiveReviewSession(ctx context.Context, draftID, specialistID string) (ReviewSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM review_sessions
		WHERE draft_id=$1 AND specialist_id=$2 AND status='active'
	`, draftID, specialistID)
	return scanSession(row)
}

func (s *PostgresStore) SyncSessionRevisionCount(ctx context.Context, sessionID string, revisionCount int) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE review_sessions SET revision_count=$2, updated_at=NOW()
		WHERE id=$1 AND revision_count <> $2
	`, sessionID, revisionCount); err != nil {
		return fmt.Errorf("sync session revision count: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO review_messages (id, session_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, message.ID, message.SessionID, message.Role, message.Content).Scan(&message.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert review message: %w", err)
	}
	return message, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM review_messages
		WHERE session_id=$1
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list review messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Role, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review messages: %w", err)
	}
	return items, nil
}

const proposalColumns = `id, session_id, draft_id, page_number, suggested_text, image_prompt, rationale, status, based_on_revision_count, created_at, decided_at`

func scanProposal(row rowScanner) (Proposal, error) {
	var (
		item      Proposal
		decidedAt sql.NullTime
	)
	err := row.Scan(&item.ID, &item.SessionID, &item.DraftID, &item.PageNumber, &item.SuggestedText, &item.ImagePrompt, &item.Rationale, &item.Status, &item.BasedOnRevisionCount, &item.CreatedAt, &decidedAt)
	if err != nil {
		return Proposal{}, err
	}
	if decidedAt.Valid {
		at := decidedAt.Time
		item.DecidedAt = &at
	}
	return item, nil
}

func (s *PostgresStore) InsertProposal(ctx context.Context, proposal Proposal) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO revision_proposals (id, session_id, draft_id, page_number, suggested_text, image_prompt, rationale, status, based_on_revision_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'proposed', $8)
		RETURNING `+proposalColumns,
		proposal.ID, proposal.SessionID, proposal.DraftID, proposal.PageNumber, proposal.SuggestedText, proposal.ImagePrompt, proposal.Rationale, proposal.BasedOnRevisionCount,
	)
	inserted, err := scanProposal(row)
	if err != nil {
		return Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, sessionID, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM revision_proposals WHERE session_id=$1 AND id=$2`, sessionID, proposalID)
	return scanProposal(row)
}

func (s *PostgresStore) ListProposals(ctx context.Context, sessionID string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+proposalColumns+` FROM revision_proposals WHERE session_id=$1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

// RejectProposal moves a proposal from proposed to rejected; false means it
// was already decided.
func (s *PostgresStore) RejectProposal(ctx context.Context, sessionID, proposalID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE revision_proposals SET status='rejected', decided_at=NOW()
		WHERE session_id=$1 AND id=$2 AND status='proposed'
	`, sessionID, proposalID)
	if err != nil {
		return false, fmt.Errorf("reject proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reject proposal rows: %w", err)
	}
	return affected > 0, nil
}

// ApplyProposal commits an accepted proposal atomically: the draft swap, the
// proposal decision, the session's revision mirror and the audit event either
// all land or none do. Any lost race yields ErrConflict.
func (s *PostgresStore) ApplyProposal(ctx context.Context, next Draft, expectedVersion int64, sessionID, proposalID string, event DraftEvent) (Draft, error) {
	var out Draft
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		updated, err := casDraftTx(ctx, tx, next, expectedVersion)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE revision_proposals SET status='accepted', decided_at=NOW()
			WHERE session_id=$1 AND id=$2 AND status='proposed'
		`, sessionID, proposalID)
		if err != nil {
			return fmt.Errorf("accept proposal: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE review_sessions SET revision_count=$2, updated_at=NOW() WHERE id=$1
		`, sessionID, updated.RevisionCount); err != nil {
			return fmt.Errorf("update session revision count: %w", err)
		}
		event.DraftID = next.ID
		if err := insertDraftEvent(ctx, tx, event); err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return Draft{}, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Library

// ListLibraryEntries returns every approved story for search reindexing.
func (s *PostgresStore) ListLibraryEntries(ctx context.Context) ([]LibraryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.brief_id, d.title, b.topic_key, b.situation, b.age_group, d.plain_text, d.approved_at
		FROM drafts d
		JOIN briefs b ON b.id = d.brief_id
		WHERE d.status='approved'
		ORDER BY d.approved_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list library entries: %w", err)
	}
	defer rows.Close()

	items := make([]LibraryEntry, 0)
	for rows.Next() {
		var item LibraryEntry
		if err := rows.Scan(&item.DraftID, &item.BriefID, &item.Title, &item.TopicKey, &item.Situation, &item.AgeGroup, &item.Text, &item.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan library entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library entries: %w", err)
	}
	return items, nil
}
