package server

import (
	"encoding/json"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// AnalysisIndex serves the investment analysis JSON files written by the
// extraction tooling. Files are re-read on every request so new analyses
// show up without a restart.
type AnalysisIndex struct {
	dir string
}

// NewAnalysisIndex points the index at a directory of *.json analysis files.
func NewAnalysisIndex(dir string) *AnalysisIndex {
	return &AnalysisIndex{dir: dir}
}

// Instance is one investment mention found in a conversation.
type Instance struct {
	Timestamp string           `json:"timestamp"`
	FileName  string           `json:"file_name"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Analysis  InstanceAnalysis `json:"analysis"`
}

// InstanceAnalysis is the per-instance analysis block.
type InstanceAnalysis struct {
	LeadUp struct {
		TransitionQuality string `json:"transition_quality"`
	} `json:"lead_up"`
	InvestmentIntroduction struct {
		Method              string   `json:"method"`
		ExactPhrasing       string   `json:"exact_phrasing"`
		KeyTechniquesUsed   []string `json:"key_techniques_used"`
		EffectivenessRating *int     `json:"effectiveness_rating"`
	} `json:"investment_introduction"`
	Reaction struct {
		ImmediateResponse string `json:"immediate_response"`
		InterestLevel     string `json:"interest_level"`
	} `json:"reaction"`
}

type analysisFile struct {
	Metadata            map[string]any `json:"metadata"`
	InvestmentInstances []*Instance    `json:"investment_instances"`
}

// load flattens all instances across the analysis files, attaching file
// metadata to each. Unreadable files are skipped.
func (a *AnalysisIndex) load() ([]*Instance, int, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, "*.json"))
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(matches)

	var instances []*Instance
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var f analysisFile
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		for _, inst := range f.InvestmentInstances {
			inst.Metadata = f.Metadata
			inst.FileName = filepath.Base(path)
			instances = append(instances, inst)
		}
	}
	return instances, len(matches), nil
}

// instanceFilter holds the parsed query parameters.
type instanceFilter struct {
	Query             string
	Method            string
	InterestLevel     string
	MinEffectiveness  *int
	MaxEffectiveness  *int
	TransitionQuality string
	Technique         string
}

func (f *instanceFilter) matches(inst *Instance) bool {
	intro := inst.Analysis.InvestmentIntroduction

	if f.Query != "" {
		searchable := strings.ToLower(strings.Join([]string{
			intro.ExactPhrasing,
			strings.Join(intro.KeyTechniquesUsed, " "),
			inst.Analysis.Reaction.ImmediateResponse,
		}, " "))
		if !strings.Contains(searchable, f.Query) {
			return false
		}
	}
	if f.Method != "" && strings.ToLower(intro.Method) != f.Method {
		return false
	}
	if f.InterestLevel != "" && strings.ToLower(inst.Analysis.Reaction.InterestLevel) != f.InterestLevel {
		return false
	}
	if rating := intro.EffectivenessRating; rating != nil {
		if f.MinEffectiveness != nil && *rating < *f.MinEffectiveness {
			return false
		}
		if f.MaxEffectiveness != nil && *rating > *f.MaxEffectiveness {
			return false
		}
	}
	if f.TransitionQuality != "" &&
		strings.ToLower(inst.Analysis.LeadUp.TransitionQuality) != f.TransitionQuality {
		return false
	}
	if f.Technique != "" {
		joined := strings.ToLower(strings.Join(intro.KeyTechniquesUsed, " "))
		if !strings.Contains(joined, f.Technique) {
			return false
		}
	}
	return true
}

func optionalInt(value string) *int {
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil
	}
	return &n
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleInvestmentSearch(w http.ResponseWriter, r *http.Request) {
	if s.analysis == nil {
		writeError(w, http.StatusNotFound, "investment analysis data not configured")
		return
	}

	q := r.URL.Query()
	filter := instanceFilter{
		Query:             strings.ToLower(strings.TrimSpace(q.Get("q"))),
		Method:            strings.ToLower(strings.TrimSpace(q.Get("method"))),
		InterestLevel:     strings.ToLower(strings.TrimSpace(q.Get("interest_level"))),
		MinEffectiveness:  optionalInt(q.Get("min_effectiveness")),
		MaxEffectiveness:  optionalInt(q.Get("max_effectiveness")),
		TransitionQuality: strings.ToLower(strings.TrimSpace(q.Get("transition_quality"))),
		Technique:         strings.ToLower(strings.TrimSpace(q.Get("technique"))),
	}
	page := intParam(q.Get("page"), 1)
	perPage := intParam(q.Get("per_page"), 20)
	if perPage > 100 {
		perPage = 100
	}

	all, _, err := s.analysis.load()
	if err != nil {
		s.logger.Error("loading analysis files", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load investment analysis")
		return
	}

	var filtered []*Instance
	for _, inst := range all {
		if filter.matches(inst) {
			filtered = append(filtered, inst)
		}
	}

	// Newest first.
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp > filtered[j].Timestamp
	})

	total := len(filtered)
	totalPages := (total + perPage - 1) / perPage
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	results := filtered[start:end]
	if results == nil {
		results = []*Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"pagination": map[string]any{
			"page":          page,
			"per_page":      perPage,
			"total_results": total,
			"total_pages":   totalPages,
		},
	})
}

func (s *Server) handleInvestmentFilters(w http.ResponseWriter, r *http.Request) {
	if s.analysis == nil {
		writeError(w, http.StatusNotFound, "investment analysis data not configured")
		return
	}

	all, _, err := s.analysis.load()
	if err != nil {
		s.logger.Error("loading analysis files", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load investment analysis")
		return
	}

	methods := map[string]bool{}
	interestLevels := map[string]bool{}
	transitionQualities := map[string]bool{}
	techniques := map[string]bool{}
	minRating, maxRating := 0, 10
	haveRating := false

	for _, inst := range all {
		intro := inst.Analysis.InvestmentIntroduction
		if intro.Method != "" {
			methods[intro.Method] = true
		}
		if level := inst.Analysis.Reaction.InterestLevel; level != "" {
			interestLevels[level] = true
		}
		if tq := inst.Analysis.LeadUp.TransitionQuality; tq != "" {
			transitionQualities[tq] = true
		}
		for _, t := range intro.KeyTechniquesUsed {
			techniques[t] = true
		}
		if intro.EffectivenessRating != nil {
			rating := *intro.EffectivenessRating
			if !haveRating || rating < minRating {
				minRating = rating
			}
			if !haveRating || rating > maxRating {
				maxRating = rating
			}
			haveRating = true
		}
	}
	if !haveRating {
		minRating, maxRating = 0, 10
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"methods":              sortedKeys(methods),
		"interest_levels":      sortedKeys(interestLevels),
		"transition_qualities": sortedKeys(transitionQualities),
		"techniques":           sortedKeys(techniques),
		"effectiveness_range":  map[string]int{"min": minRating, "max": maxRating},
	})
}

func (s *Server) handleInvestmentStats(w http.ResponseWriter, r *http.Request) {
	if s.analysis == nil {
		writeError(w, http.StatusNotFound, "investment analysis data not configured")
		return
	}

	all, totalFiles, err := s.analysis.load()
	if err != nil {
		s.logger.Error("loading analysis files", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load investment analysis")
		return
	}

	interestCounts := map[string]int{"low": 0, "medium": 0, "high": 0}
	methodCounts := map[string]int{"direct": 0, "indirect": 0}
	techniqueCounts := map[string]int{}
	ratingSum, ratingCount := 0, 0

	for _, inst := range all {
		intro := inst.Analysis.InvestmentIntroduction
		if intro.EffectivenessRating != nil {
			ratingSum += *intro.EffectivenessRating
			ratingCount++
		}
		level := strings.ToLower(inst.Analysis.Reaction.InterestLevel)
		if _, ok := interestCounts[level]; ok {
			interestCounts[level]++
		}
		method := strings.ToLower(intro.Method)
		if _, ok := methodCounts[method]; ok {
			methodCounts[method]++
		}
		for _, t := range intro.KeyTechniquesUsed {
			techniqueCounts[t]++
		}
	}

	avg := 0.0
	if ratingCount > 0 {
		avg = float64(ratingSum) / float64(ratingCount)
	}

	type techniqueCount struct {
		Technique string `json:"technique"`
		Count     int    `json:"count"`
	}
	top := make([]techniqueCount, 0, len(techniqueCounts))
	for t, n := range techniqueCounts {
		top = append(top, techniqueCount{Technique: t, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Technique < top[j].Technique
	})
	if len(top) > 10 {
		top = top[:10]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_files":                 totalFiles,
		"total_instances":             len(all),
		"average_effectiveness":       math.Round(avg*100) / 100,
		"interest_level_distribution": interestCounts,
		"method_distribution":         methodCounts,
		"top_techniques":              top,
	})
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
