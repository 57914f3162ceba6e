package turn

import "strings"

var exitDirectives = []string{"exit", "quit", "goodbye", "good bye", "bye bye", "stop listening", "end session"}

// maxExitWords bounds how long an utterance containing an exit phrase may be
// before it is treated as an ordinary request, e.g. "how do I quit vim".
const maxExitWords = 4

// IsExitDirective reports whether text asks to end the session.
func IsExitDirective(text string) bool {
	norm := normalize(text)
	if norm == "" || len(strings.Fields(norm)) > maxExitWords {
		return false
	}
	padded := " " + norm + " "
	for _, d := range exitDirectives {
		if strings.Contains(padded, " "+d+" ") {
			return true
		}
	}
	return false
}
