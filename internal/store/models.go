package store

import (
	"strings"
	"time"

	"talewise/api/internal/rules"
)

const (
	DraftCreated    = "created"
	DraftGenerating = "draft_generating"
	DraftGenerated  = "draft_generated"
	DraftFailed     = "failed"
	DraftEditing    = "editing"
	DraftApproved   = "approved"
)

const (
	SessionActive = "active"
	SessionClosed = "closed"
)

const (
	RoleSpecialist = "specialist"
	RoleSystem     = "system"
)

const (
	ProposalProposed = "proposed"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"
)

// Brief is a stored brief plus the mutable resolution state hanging off it.
type Brief struct {
	rules.Brief
	RuleSetVersion   string          `json:"ruleSetVersion,omitempty"`
	Override         *rules.Override `json:"override,omitempty"`
	Preview          *rules.Contract `json:"preview,omitempty"`
	PreviewUpdatedAt *time.Time      `json:"previewUpdatedAt,omitempty"`
}

type OverrideRecord struct {
	BriefID      string    `json:"briefId"`
	CopingToolID string    `json:"copingToolId"`
	Reason       string    `json:"reason"`
	AppliedAt    time.Time `json:"appliedAt"`
}

type Page struct {
	PageNumber    int    `json:"pageNumber"`
	Text          string `json:"text"`
	ImagePrompt   string `json:"imagePrompt,omitempty"`
	EmotionalTone string `json:"emotionalTone,omitempty"`
}

type GenerationConfig struct {
	Language       string `json:"language,omitempty"`
	TargetAgeGroup string `json:"targetAgeGroup,omitempty"`
	Length         string `json:"length,omitempty"`
	Tone           string `json:"tone,omitempty"`
}

type Draft struct {
	ID                  string           `json:"id"`
	BriefID             string           `json:"briefId"`
	Title               string           `json:"title"`
	Pages               []Page           `json:"pages"`
	GenerationConfig    GenerationConfig `json:"generationConfig"`
	Contract            rules.Contract   `json:"contract"`
	Status              string           `json:"status"`
	RevisionCount       int              `json:"revisionCount"`
	EditBaseRevision    int              `json:"editBaseRevision"`
	EditsCommitted      bool             `json:"editsCommitted"`
	FailureMessage      string           `json:"failureMessage,omitempty"`
	Version             int64            `json:"version"`
	GenerationStartedAt *time.Time       `json:"generationStartedAt,omitempty"`
	ApprovedAt          *time.Time       `json:"approvedAt,omitempty"`
	ApprovedBy          string           `json:"approvedBy,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// PlainText joins page texts in page order; it feeds full-text search.
func (d Draft) PlainText() string {
	parts := make([]string, 0, len(d.Pages))
	for _, page := range d.Pages {
		if text := strings.TrimSpace(page.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

type DraftEvent struct {
	ID         int64          `json:"id"`
	DraftID    string         `json:"draftId"`
	FromStatus string         `json:"fromStatus"`
	ToStatus   string         `json:"toStatus"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Revision   int            `json:"revision"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

type ReviewSession struct {
	ID            string    `json:"id"`
	DraftID       string    `json:"draftId"`
	SpecialistID  string    `json:"specialistId"`
	RevisionCount int       `json:"revisionCount"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Proposal struct {
	ID                   string     `json:"id"`
	SessionID            string     `json:"sessionId"`
	DraftID              string     `json:"draftId"`
	PageNumber           int        `json:"pageNumber"`
	SuggestedText        string     `json:"suggestedText"`
	ImagePrompt          string     `json:"imagePrompt,omitempty"`
	Rationale            string     `json:"rationale"`
	Status               string     `json:"status"`
	BasedOnRevisionCount int        `json:"basedOnRevisionCount"`
	CreatedAt            time.Time  `json:"createdAt"`
	DecidedAt            *time.Time `json:"decidedAt,omitempty"`
}

// LibraryEntry is an approved story as the library search sees it.
type LibraryEntry struct {
	DraftID    string
	BriefID    string
	Title      string
	TopicKey   string
	Situation  string
	AgeGroup   string
	Text       string
	ApprovedAt time.Time
}
