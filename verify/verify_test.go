package verify

import (
	"testing"

	"github.com/conversa-dev/conversa/dataset"
)

func goodPair(id int) *dataset.QAPair {
	return &dataset.QAPair{
		ID:         id,
		QuestionPT: "Quanto custa o produto?",
		QuestionEN: "How much does the product cost?",
		AnswerPT:   "Custa dez reais.",
		AnswerEN:   "It costs ten reais.",
	}
}

func TestCheck_CleanPairs(t *testing.T) {
	rep := Check([]*dataset.QAPair{goodPair(1), goodPair(2)}, 0)
	if !rep.OK() {
		t.Errorf("issues: %v", rep.Issues)
	}
	if rep.Checked != 2 {
		t.Errorf("checked = %d", rep.Checked)
	}
}

func TestCheck_FlagsLengthRatio(t *testing.T) {
	qa := goodPair(7)
	qa.AnswerEN = "It"
	rep := Check([]*dataset.QAPair{qa}, 0)
	if rep.OK() {
		t.Fatal("want length-ratio issue")
	}
	if rep.Issues[0].PairID != 7 || rep.Issues[0].Field != "answer" {
		t.Errorf("issue = %+v", rep.Issues[0])
	}
}

func TestCheck_FlagsLeftoverPortuguese(t *testing.T) {
	qa := goodPair(3)
	qa.QuestionEN = "How much você pay for the product?"
	rep := Check([]*dataset.QAPair{qa}, 0)
	if rep.OK() {
		t.Fatal("want leftover-Portuguese issue")
	}
}

func TestCheck_StopwordNotMatchedInsideWords(t *testing.T) {
	qa := goodPair(4)
	// "que" inside "question" and "com" inside "complete" must not fire.
	qa.QuestionEN = "A long question about something complete?"
	rep := Check([]*dataset.QAPair{qa}, 0)
	if !rep.OK() {
		t.Errorf("false positives: %v", rep.Issues)
	}
}

func TestCheck_Limit(t *testing.T) {
	bad := goodPair(2)
	bad.QuestionEN = "x"
	rep := Check([]*dataset.QAPair{goodPair(1), bad}, 1)
	if rep.Checked != 1 {
		t.Errorf("checked = %d, want 1", rep.Checked)
	}
	if !rep.OK() {
		t.Error("pair beyond limit should not be checked")
	}
}
