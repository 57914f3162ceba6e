// Package planner turns a final transcript into an action descriptor.
//
// The planner is an external collaborator of the turn loop: it receives the
// user's text plus passive session context and answers with an [Action] and
// a confidence score. [Rules] is a small deterministic planner used when the
// LLM-backed one is unavailable.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/vocalis/internal/memory"
)

// Kind is the type of an [Action].
type Kind string

const (
	// KindAnswer only speaks Reply.
	KindAnswer Kind = "answer"

	// KindRun executes Command.
	KindRun Kind = "run"

	// KindSelectFiles records Files as the working set.
	KindSelectFiles Kind = "select_files"

	// KindExit ends the session.
	KindExit Kind = "exit"
)

// Action is the structured descriptor produced by a [Planner].
type Action struct {
	Kind    Kind     `json:"kind"`
	Command string   `json:"command,omitempty"`
	Files   []string `json:"files,omitempty"`

	// Reply is spoken to the user. For run actions it announces what is
	// about to happen.
	Reply string `json:"reply"`

	Confidence float64 `json:"confidence"`

	// RequiresConfirmation asks the turn loop to get a yes before acting.
	RequiresConfirmation bool `json:"requires_confirmation"`
}

// Request is the input of [Planner.Plan].
type Request struct {
	Text          string
	LastQuestion  string
	SelectedFiles []string
	ResponseStyle string
	History       []memory.TurnRecord
}

// Planner maps free text to an [Action].
type Planner interface {
	Plan(ctx context.Context, req Request) (Action, error)
}

// ParseAction decodes a JSON action, tolerating a Markdown code fence around
// it. Confidence is clamped to [0, 1].
func ParseAction(data []byte) (Action, error) {
	data = bytes.TrimSpace(data)
	if bytes.HasPrefix(data, []byte("```")) {
		data = bytes.TrimPrefix(data, []byte("```json"))
		data = bytes.TrimPrefix(data, []byte("```"))
		data = bytes.TrimSuffix(bytes.TrimSpace(data), []byte("```"))
	}

	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, fmt.Errorf("planner: decode action: %w", err)
	}
	a.Kind = Kind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
	switch a.Kind {
	case KindAnswer, KindExit:
	case KindRun:
		if strings.TrimSpace(a.Command) == "" {
			return Action{}, fmt.Errorf("planner: run action without command")
		}
	case KindSelectFiles:
		if len(a.Files) == 0 {
			return Action{}, fmt.Errorf("planner: select_files action without files")
		}
	default:
		return Action{}, fmt.Errorf("planner: unknown action kind %q", a.Kind)
	}
	a.Confidence = min(max(a.Confidence, 0), 1)
	return a, nil
}
