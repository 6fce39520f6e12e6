// Package resume classifies which QA pairs of a possibly-partial prior run
// still need translation, so a restarted pipeline re-dispatches only those.
//
// The classification is a heuristic: a missing target, a target identical
// to its source (the identity fallback a degraded batch leaves behind), or
// a target shorter than MinTargetLen characters all flag a pair. Legitimate
// short or self-identical translations (proper nouns, numbers, "OK") are
// misclassified and will be re-translated; the source data carries no
// stronger signal to disambiguate.
package resume

import "github.com/conversa-dev/conversa/dataset"

// MinTargetLen is the minimum plausible translation length. Anything
// shorter is treated as a failed translation.
const MinTargetLen = 3

// NeedsTranslation reports whether a QA pair must be (re)translated.
func NeedsTranslation(qa *dataset.QAPair) bool {
	if qa.QuestionEN == "" || qa.AnswerEN == "" {
		return true
	}
	if qa.QuestionEN == qa.QuestionPT || qa.AnswerEN == qa.AnswerPT {
		return true
	}
	if len(qa.QuestionEN) < MinTargetLen || len(qa.AnswerEN) < MinTargetLen {
		return true
	}
	return false
}

// Status summarizes a prior run's output.
type Status struct {
	Total             int
	NeedsTranslation  int
	AlreadyTranslated int
	MissingQuestion   int
	MissingAnswer     int
	FailedTranslation int
}

// Analyze classifies every pair and tallies why flagged pairs were flagged.
func Analyze(pairs []*dataset.QAPair) Status {
	st := Status{Total: len(pairs)}
	for _, qa := range pairs {
		if !NeedsTranslation(qa) {
			st.AlreadyTranslated++
			continue
		}
		st.NeedsTranslation++
		if qa.QuestionEN == "" {
			st.MissingQuestion++
		}
		if qa.AnswerEN == "" {
			st.MissingAnswer++
		}
		if qa.QuestionEN != "" && qa.AnswerEN != "" &&
			(qa.QuestionEN == qa.QuestionPT || qa.AnswerEN == qa.AnswerPT) {
			st.FailedTranslation++
		}
	}
	return st
}

// Filter returns only the pairs that need translation.
func Filter(pairs []*dataset.QAPair) []*dataset.QAPair {
	var flagged []*dataset.QAPair
	for _, qa := range pairs {
		if NeedsTranslation(qa) {
			flagged = append(flagged, qa)
		}
	}
	return flagged
}
