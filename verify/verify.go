// Package verify runs post-translation sanity checks over a translated
// dataset: length-ratio outliers and leftover Portuguese stopwords in the
// English targets. The checks are heuristics for spotting obviously broken
// batches, not a quality judgment.
package verify

import (
	"fmt"
	"strings"

	"github.com/conversa-dev/conversa/dataset"
)

// Length ratios outside this band flag a pair as suspicious.
const (
	MinLengthRatio = 0.3
	MaxLengthRatio = 3.0
)

// Portuguese stopwords that should not survive into an English target.
var portugueseWords = []string{"você", "que", "para", "com", "não", "mais"}

// Issue describes one suspicious pair.
type Issue struct {
	PairID int
	Field  string
	Reason string
}

func (i Issue) String() string {
	return fmt.Sprintf("QA %d (%s): %s", i.PairID, i.Field, i.Reason)
}

// Report is the outcome of a verification pass.
type Report struct {
	Checked int
	Issues  []Issue
}

// OK reports whether no issues were found.
func (r Report) OK() bool {
	return len(r.Issues) == 0
}

// Check inspects up to limit pairs (0 = all) and reports suspicious ones.
func Check(pairs []*dataset.QAPair, limit int) Report {
	if limit <= 0 || limit > len(pairs) {
		limit = len(pairs)
	}

	var rep Report
	for _, qa := range pairs[:limit] {
		rep.Checked++
		rep.Issues = append(rep.Issues, checkField(qa.ID, "question", qa.QuestionPT, qa.QuestionEN)...)
		rep.Issues = append(rep.Issues, checkField(qa.ID, "answer", qa.AnswerPT, qa.AnswerEN)...)
	}
	return rep
}

func checkField(id int, field, source, target string) []Issue {
	var issues []Issue

	ratio := 0.0
	if len(source) > 0 {
		ratio = float64(len(target)) / float64(len(source))
	}
	if ratio < MinLengthRatio || ratio > MaxLengthRatio {
		issues = append(issues, Issue{
			PairID: id,
			Field:  field,
			Reason: fmt.Sprintf("suspicious length ratio %.2f", ratio),
		})
	}

	lower := strings.ToLower(target)
	for _, w := range portugueseWords {
		if containsWord(lower, w) {
			issues = append(issues, Issue{
				PairID: id,
				Field:  field,
				Reason: fmt.Sprintf("Portuguese word %q in English translation", w),
			})
			break
		}
	}

	return issues
}

// containsWord matches w as a whole word, so "que" does not fire on
// "question" or "queue".
func containsWord(s, w string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], w)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(w)
		beforeOK := start == 0 || !isLetter(rune(s[start-1]))
		afterOK := end >= len(s) || !isLetter(rune(s[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
