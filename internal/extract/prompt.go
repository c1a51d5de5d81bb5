package extract

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// systemPrompt instructs the model on the extraction contract.
const systemPrompt = `You extract calendar events and action items from family correspondence (school newsletters, team updates, activity reminders).

Respond with a single JSON object and nothing else:

{
  "summary": "one-sentence summary of the message",
  "quality_score": 0.0-1.0,
  "events": [
    {
      "title": "short event name",
      "start_at": "RFC3339 timestamp",
      "end_at": "RFC3339 timestamp or omit",
      "location": "where, or omit",
      "description": "details, or omit",
      "subject_tag": "which child or family member this concerns, or omit",
      "confidence": 0.0-1.0
    }
  ],
  "tasks": [
    {
      "title": "short action item",
      "category": "payment|purchase|packing|signature|appointment|school|other",
      "due_date": "RFC3339 timestamp or omit",
      "amount": dollar amount for payments/purchases, or omit,
      "url": "link to act on, or omit",
      "subject_tag": "which child or family member this concerns, or omit",
      "confidence": 0.0-1.0
    }
  ]
}

Rules:
- Only extract concrete, dated happenings as events. Vague mentions get no event.
- Resolve relative dates ("next Friday", "March 2nd") against the message sent date.
- Every event needs title and start_at. Every task needs title.
- confidence reflects how certain the extraction is, not how important the item is.
- Empty arrays are valid. A message with nothing actionable yields {"summary": "...", "events": [], "tasks": []}.`

// Example is one few-shot input/output pair.
type Example struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

type examplesFile struct {
	Examples []Example `yaml:"examples"`
}

// LoadExamples reads few-shot examples from a YAML file. An empty path
// returns no examples.
func LoadExamples(path string) ([]Example, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read examples %s", path)
	}

	var f examplesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "extract: parse examples %s", path)
	}
	return f.Examples, nil
}

// buildUserPrompt renders the message content for the model.
func buildUserPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", in.Sender)
	fmt.Fprintf(&b, "Subject: %s\n", in.Subject)
	fmt.Fprintf(&b, "Sent: %s\n\n", in.SentAt.UTC().Format(time.RFC3339))
	b.WriteString(in.Body)
	if in.AttachmentText != "" {
		b.WriteString("\n\n--- Attachment text ---\n")
		b.WriteString(in.AttachmentText)
	}
	return b.String()
}
