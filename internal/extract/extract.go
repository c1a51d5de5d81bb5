// Package extract turns stored messages into candidate events and tasks
// using an AI provider, with a fallback provider for transport failures.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/halcyon-labs/homebase/internal/model"
)

// Input is the message content handed to a provider.
type Input struct {
	Sender         string
	Subject        string
	SentAt         time.Time
	Body           string
	AttachmentText string
}

// Extraction is the validated result of analyzing one message.
type Extraction struct {
	Summary      string
	QualityScore float64
	Events       []EventCandidate
	Tasks        []TaskCandidate
}

// EventCandidate is one extracted calendar-worthy happening.
type EventCandidate struct {
	Title       string
	StartAt     time.Time
	EndAt       *time.Time
	Location    string
	Description string
	SubjectTag  string
	Confidence  float64
}

// TaskCandidate is one extracted action item.
type TaskCandidate struct {
	Title      string
	Category   model.TaskCategory
	DueDate    *time.Time
	Amount     *float64
	URL        string
	SubjectTag string
	Confidence float64
}

// Provider analyzes a message. Implementations wrap a specific AI backend.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, in Input) (*Extraction, error)
}

// ValidationError marks a provider response that parsed but failed schema
// validation. These are not transport failures and do not trigger fallback.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "extract: invalid provider response: " + e.Reason
}

// IsValidationError reports whether err is a schema validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return eris.As(err, &ve)
}

// Wire types for the provider JSON contract.
type rawExtraction struct {
	Summary      string     `json:"summary"`
	QualityScore *float64   `json:"quality_score"`
	Events       []rawEvent `json:"events"`
	Tasks        []rawTask  `json:"tasks"`
}

type rawEvent struct {
	Title       string   `json:"title"`
	StartAt     string   `json:"start_at"`
	EndAt       string   `json:"end_at"`
	Location    string   `json:"location"`
	Description string   `json:"description"`
	SubjectTag  string   `json:"subject_tag"`
	Confidence  *float64 `json:"confidence"`
}

type rawTask struct {
	Title      string   `json:"title"`
	Category   string   `json:"category"`
	DueDate    string   `json:"due_date"`
	Amount     *float64 `json:"amount"`
	URL        string   `json:"url"`
	SubjectTag string   `json:"subject_tag"`
	Confidence *float64 `json:"confidence"`
}

// ParseExtraction parses and validates a provider's JSON response text.
func ParseExtraction(text string) (*Extraction, error) {
	cleaned := cleanJSON(text)

	var raw rawExtraction
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, &ValidationError{Reason: "malformed json: " + err.Error()}
	}

	ext := &Extraction{Summary: strings.TrimSpace(raw.Summary)}
	if raw.QualityScore != nil {
		ext.QualityScore = *raw.QualityScore
		if ext.QualityScore < 0 || ext.QualityScore > 1 {
			return nil, &ValidationError{Reason: fmt.Sprintf("quality_score %v out of range", ext.QualityScore)}
		}
	}

	for i, ev := range raw.Events {
		parsed, err := parseEvent(ev)
		if err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("events[%d]: %v", i, err)}
		}
		ext.Events = append(ext.Events, *parsed)
	}

	for i, tk := range raw.Tasks {
		parsed, err := parseTask(tk)
		if err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("tasks[%d]: %v", i, err)}
		}
		ext.Tasks = append(ext.Tasks, *parsed)
	}

	return ext, nil
}

func parseEvent(ev rawEvent) (*EventCandidate, error) {
	title := strings.TrimSpace(ev.Title)
	if title == "" {
		return nil, eris.New("missing title")
	}
	if ev.StartAt == "" {
		return nil, eris.New("missing start_at")
	}
	startAt, err := time.Parse(time.RFC3339, ev.StartAt)
	if err != nil {
		return nil, eris.Errorf("bad start_at %q", ev.StartAt)
	}

	out := &EventCandidate{
		Title:       title,
		StartAt:     startAt.UTC(),
		Location:    strings.TrimSpace(ev.Location),
		Description: strings.TrimSpace(ev.Description),
		SubjectTag:  strings.TrimSpace(ev.SubjectTag),
	}

	if ev.EndAt != "" {
		endAt, err := time.Parse(time.RFC3339, ev.EndAt)
		if err != nil {
			return nil, eris.Errorf("bad end_at %q", ev.EndAt)
		}
		if endAt.Before(startAt) {
			return nil, eris.New("end_at before start_at")
		}
		u := endAt.UTC()
		out.EndAt = &u
	}

	conf, err := parseConfidence(ev.Confidence)
	if err != nil {
		return nil, err
	}
	out.Confidence = conf
	return out, nil
}

func parseTask(tk rawTask) (*TaskCandidate, error) {
	title := strings.TrimSpace(tk.Title)
	if title == "" {
		return nil, eris.New("missing title")
	}

	category, err := model.ParseTaskCategory(tk.Category)
	if err != nil {
		// Unknown categories degrade to other rather than failing the
		// whole response.
		category = model.CategoryOther
	}

	out := &TaskCandidate{
		Title:      title,
		Category:   category,
		Amount:     tk.Amount,
		URL:        strings.TrimSpace(tk.URL),
		SubjectTag: strings.TrimSpace(tk.SubjectTag),
	}

	if tk.DueDate != "" {
		due, err := time.Parse(time.RFC3339, tk.DueDate)
		if err != nil {
			return nil, eris.Errorf("bad due_date %q", tk.DueDate)
		}
		u := due.UTC()
		out.DueDate = &u
	}

	if tk.Amount != nil && *tk.Amount < 0 {
		return nil, eris.Errorf("negative amount %v", *tk.Amount)
	}

	conf, err := parseConfidence(tk.Confidence)
	if err != nil {
		return nil, err
	}
	out.Confidence = conf
	return out, nil
}

func parseConfidence(v *float64) (float64, error) {
	if v == nil {
		return 0, eris.New("missing confidence")
	}
	if *v < 0 || *v > 1 {
		return 0, eris.Errorf("confidence %v out of range", *v)
	}
	return *v, nil
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
