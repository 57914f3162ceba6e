package planner

import (
	"context"
	"strings"
)

// Rules is a keyword planner. It understands "run <command>" and "select
// <files>" and otherwise answers that it did not understand, with zero
// confidence.
type Rules struct{}

var _ Planner = Rules{}

// Plan implements [Planner].
func (Rules) Plan(_ context.Context, req Request) (Action, error) {
	text := strings.TrimSpace(req.Text)
	lower := strings.ToLower(text)

	for _, prefix := range []string{"run ", "execute "} {
		if cmd, ok := strings.CutPrefix(lower, prefix); ok && strings.TrimSpace(cmd) != "" {
			cmd = strings.TrimSpace(text[len(prefix):])
			return Action{
				Kind:                 KindRun,
				Command:              cmd,
				Reply:                "I will run " + cmd + ".",
				Confidence:           0.5,
				RequiresConfirmation: true,
			}, nil
		}
	}
	for _, prefix := range []string{"select ", "open "} {
		if rest, ok := strings.CutPrefix(lower, prefix); ok && strings.TrimSpace(rest) != "" {
			files := strings.Fields(strings.ReplaceAll(text[len(prefix):], ",", " "))
			return Action{
				Kind:       KindSelectFiles,
				Files:      files,
				Reply:      "Selected " + strings.Join(files, ", ") + ".",
				Confidence: 0.5,
			}, nil
		}
	}
	return Action{
		Kind:  KindAnswer,
		Reply: "Sorry, I did not understand that.",
	}, nil
}
