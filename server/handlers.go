package server

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/conversa-dev/conversa/dataset"
	"github.com/conversa-dev/conversa/store"
)

// searchParams reads the filter parameters shared by search and export.
func searchParams(q url.Values) store.SearchParams {
	return store.SearchParams{
		Query:        q.Get("q"),
		DateFrom:     q.Get("date_from"),
		DateTo:       q.Get("date_to"),
		Emotion:      q.Get("emotion"),
		Conversation: q.Get("conversation_id"),
		Source:       q.Get("source"),
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := searchParams(q)
	params.Page = intParam(q.Get("page"), 1)
	params.PerPage = intParam(q.Get("per_page"), store.DefaultPerPage)

	result, err := s.qa.Search(r.Context(), params)
	if err != nil {
		s.logger.Error("search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	totalPages := (result.Total + result.PerPage - 1) / result.PerPage
	writeJSON(w, http.StatusOK, map[string]any{
		"results": result.Pairs,
		"pagination": map[string]any{
			"page":          result.Page,
			"per_page":      result.PerPage,
			"total_results": result.Total,
			"total_pages":   totalPages,
		},
	})
}

func (s *Server) handleGetPair(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pair id")
		return
	}

	qa, err := s.qa.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pair not found")
		return
	}
	if err != nil {
		s.logger.Error("fetching pair", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not fetch pair")
		return
	}
	writeJSON(w, http.StatusOK, qa)
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	opts, err := s.qa.Filters(r.Context())
	if err != nil {
		s.logger.Error("listing filters", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list filters")
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.qa.Conversations(r.Context())
	if err != nil {
		s.logger.Error("listing conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.qa.Stats(r.Context())
	if err != nil {
		s.logger.Error("computing stats", "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

var exportHeader = []string{
	"id", "conversation", "question_pt", "question_en",
	"answer_pt", "answer_en", "context_pt", "context_en",
	"date", "emotion_tone", "source",
}

// handleExport streams the current search results, honoring the same
// filters as handleSearch but without pagination. format=json switches
// from CSV to a JSON array.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pairs, err := s.qa.Export(r.Context(), searchParams(q))
	if err != nil {
		s.logger.Error("exporting pairs", "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	if pairs == nil {
		pairs = []*dataset.QAPair{}
	}

	stamp := time.Now().Format("20060102_150405")

	if strings.EqualFold(q.Get("format"), "json") {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`attachment; filename="qa_export_%s.json"`, stamp))
		writeJSON(w, http.StatusOK, pairs)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="qa_export_%s.csv"`, stamp))

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		s.logger.Error("writing export header", "error", err)
		return
	}
	for _, qa := range pairs {
		record := []string{
			strconv.Itoa(qa.ID), qa.Conversation.FileName,
			qa.QuestionPT, qa.QuestionEN,
			qa.AnswerPT, qa.AnswerEN,
			qa.Context, qa.ContextEN,
			qa.Date, qa.EmotionTone, qa.Source,
		}
		if err := cw.Write(record); err != nil {
			s.logger.Error("writing export row", "id", qa.ID, "error", err)
			return
		}
	}
	cw.Flush()
}

// intParam parses a positive integer query parameter, falling back to def.
func intParam(value string, def int) int {
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return def
	}
	return n
}
