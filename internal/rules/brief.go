package rules

import (
	"fmt"
	"strings"
	"time"
)

// Brief is the specialist's request describing the therapeutic intent of a story.
type Brief struct {
	ID             string      `json:"id"`
	TopicKey       string      `json:"topicKey"`
	Situation      string      `json:"situation"`
	AgeGroup       AgeGroup    `json:"ageGroup"`
	EmotionalGoals []string    `json:"emotionalGoals"`
	Sensitivity    Sensitivity `json:"sensitivity"`
	EndingStyle    string      `json:"endingStyle"`
	KeyMessage     string      `json:"keyMessage,omitempty"`
	CreatorID      string      `json:"creatorId"`
	CreatedAt      time.Time   `json:"createdAt"`
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Normalize trims free text and removes repeated goal ids, keeping the first
// occurrence so the specialist's ordering survives.
func (b Brief) Normalize() Brief {
	b.TopicKey = strings.TrimSpace(b.TopicKey)
	b.Situation = strings.TrimSpace(b.Situation)
	b.EndingStyle = strings.TrimSpace(b.EndingStyle)
	b.KeyMessage = strings.TrimSpace(b.KeyMessage)
	b.CreatorID = strings.TrimSpace(b.CreatorID)
	b.AgeGroup = AgeGroup(strings.TrimSpace(string(b.AgeGroup)))
	b.Sensitivity = Sensitivity(strings.ToLower(strings.TrimSpace(string(b.Sensitivity))))

	seen := make(map[string]struct{}, len(b.EmotionalGoals))
	goals := make([]string, 0, len(b.EmotionalGoals))
	for _, goal := range b.EmotionalGoals {
		goal = strings.TrimSpace(goal)
		if goal == "" {
			continue
		}
		if _, dup := seen[goal]; dup {
			continue
		}
		seen[goal] = struct{}{}
		goals = append(goals, goal)
	}
	b.EmotionalGoals = goals
	return b
}

func (b Brief) Validate() error {
	switch {
	case b.TopicKey == "":
		return &ValidationError{Field: "topicKey", Message: "topicKey is required"}
	case b.Situation == "":
		return &ValidationError{Field: "situation", Message: "situation is required"}
	case !b.AgeGroup.Valid():
		return &ValidationError{Field: "ageGroup", Message: fmt.Sprintf("ageGroup must be one of %v", AgeGroups)}
	case len(b.EmotionalGoals) == 0:
		return &ValidationError{Field: "emotionalGoals", Message: "at least one emotional goal is required"}
	case !b.Sensitivity.Valid():
		return &ValidationError{Field: "sensitivity", Message: "sensitivity must be one of low, medium, high"}
	case b.EndingStyle == "":
		return &ValidationError{Field: "endingStyle", Message: "endingStyle is required"}
	case b.CreatorID == "":
		return &ValidationError{Field: "creatorId", Message: "creatorId is required"}
	}
	return nil
}
