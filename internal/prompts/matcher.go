package prompts

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Similarity threshold at or above which a question counts as a tool command.
const commandMatchThreshold = 0.5

// Default phrases used when the manifest configures none.
var defaultCommandPhrases = []string{
	"scan the files",
	"list the files",
	"show me the files",
	"analyze the codebase",
	"generate a diagram",
	"create a diagram",
	"render the diagram",
	"run a command",
}

// LooksLikeToolCommand reports whether question resembles any configured
// command phrase. Any single phrase scoring at or above the threshold
// triggers a match (or-style intent).
func (l *Library) LooksLikeToolCommand(question string) bool {
	phrases := l.Commands()
	if len(phrases) == 0 {
		phrases = defaultCommandPhrases
	}
	q := normalize(question)
	for _, p := range phrases {
		if similarity(q, normalize(p)) >= commandMatchThreshold {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarity scores how much of phrase is present in question. Substring
// containment is a perfect match; otherwise the score is the edit-distance
// ratio over the shorter string, which rewards partial phrase overlap
// without penalising long questions.
func similarity(question, phrase string) float64 {
	if question == "" || phrase == "" {
		return 0
	}
	if strings.Contains(question, phrase) {
		return 1
	}

	shorter := phrase
	if len(question) < len(phrase) {
		shorter = question
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(question, phrase, false)
	common := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			common += len(d.Text)
		}
	}
	return float64(common) / float64(len(shorter))
}
