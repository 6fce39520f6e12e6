package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSearchWhereEmpty(t *testing.T) {
	where, args := buildSearchWhere(SearchParams{})

	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestBuildSearchWhereFreeText(t *testing.T) {
	where, args := buildSearchWhere(SearchParams{Query: "investimento"})

	assert.Equal(t,
		" WHERE (question_pt ILIKE $1 OR question_en ILIKE $1 OR answer_pt ILIKE $1 OR answer_en ILIKE $1)",
		where)
	assert.Equal(t, []any{"%investimento%"}, args)
}

func TestBuildSearchWhereAllFilters(t *testing.T) {
	where, args := buildSearchWhere(SearchParams{
		Query:        "dinheiro",
		DateFrom:     "2024-01-01",
		DateTo:       "2024-06-30",
		Emotion:      "anxious",
		Conversation: "chat_01.json",
		Source:       "timeline_progression",
	})

	assert.Contains(t, where, "question_pt ILIKE $1")
	assert.Contains(t, where, "qa_date >= $2")
	assert.Contains(t, where, "qa_date <= $3")
	assert.Contains(t, where, "emotion_tone = $4")
	assert.Contains(t, where, "conversation = $5")
	assert.Contains(t, where, "source = $6")
	assert.Len(t, args, 6)
	assert.Equal(t, "%dinheiro%", args[0])
	assert.Equal(t, "chat_01.json", args[4])
}

func TestSearchParamsNormalize(t *testing.T) {
	testCases := []struct {
		name        string
		in          SearchParams
		wantPage    int
		wantPerPage int
	}{
		{"zero values get defaults", SearchParams{}, 1, DefaultPerPage},
		{"negative page clamped", SearchParams{Page: -3, PerPage: 50}, 1, 50},
		{"per_page capped", SearchParams{Page: 2, PerPage: 500}, 2, MaxPerPage},
		{"valid values kept", SearchParams{Page: 4, PerPage: 25}, 4, 25},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.in
			p.normalize()
			assert.Equal(t, tc.wantPage, p.Page)
			assert.Equal(t, tc.wantPerPage, p.PerPage)
		})
	}
}
