// Package dataset defines the QA pair record produced by the extraction
// step and consumed by the translation pipeline, along with the normalized
// and translated JSON file formats.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Conversation carries per-source-file metadata shared by all QA pairs
// extracted from one analyzed chat export.
type Conversation struct {
	FileName             string   `json:"file_name"`
	StartDate            string   `json:"start_date,omitempty"`
	EndDate              string   `json:"end_date,omitempty"`
	TotalMessages        int      `json:"total_messages,omitempty"`
	ConversationDuration string   `json:"conversation_duration,omitempty"`
	OverallTone          string   `json:"overall_tone,omitempty"`
	PotentialScam        bool     `json:"potential_scam,omitempty"`
	RiskExplanation      string   `json:"risk_explanation,omitempty"`
	Topics               []string `json:"topics,omitempty"`
}

// QAPair is one translatable record. The _pt fields are source values and
// the _en fields are translation targets; ID is the stable original index
// used for result placement.
type QAPair struct {
	ID           int          `json:"id"`
	Conversation Conversation `json:"conversation"`
	QuestionPT   string       `json:"question_pt"`
	QuestionEN   string       `json:"question_en,omitempty"`
	AnswerPT     string       `json:"answer_pt"`
	AnswerEN     string       `json:"answer_en,omitempty"`
	Context      string       `json:"context,omitempty"`
	ContextEN    string       `json:"context_en,omitempty"`
	Date         string       `json:"date,omitempty"`
	EmotionTone  string       `json:"emotion_tone,omitempty"`
	Source       string       `json:"source"`
}

// Source tags for extracted pairs.
const (
	SourceOverallAnalysis     = "overall_analysis"
	SourceTimelineProgression = "timeline_progression"
)

// File is the envelope written to normalized_qa_pairs.json and
// translated_qa_pairs.json: a metadata block plus the pair list.
type File struct {
	Metadata map[string]any `json:"metadata"`
	QAPairs  []*QAPair      `json:"qa_pairs"`
}

// Load reads a normalized or translated QA pairs file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if f.Metadata == nil {
		f.Metadata = make(map[string]any)
	}
	return &f, nil
}

// Save writes the file atomically (temp file + rename) so an interrupt
// never leaves a truncated dataset behind.
func (f *File) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dataset: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dataset-*.json")
	if err != nil {
		return fmt.Errorf("creating temp dataset file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp dataset file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp dataset file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// NewNormalized builds a normalized file envelope around extracted pairs.
func NewNormalized(pairs []*QAPair) *File {
	bySource := map[string]int{}
	for _, qa := range pairs {
		bySource[qa.Source]++
	}
	return &File{
		Metadata: map[string]any{
			"total_qa_pairs": len(pairs),
			"created_at":     time.Now().Format(time.RFC3339),
			"sources":        bySource,
		},
		QAPairs: pairs,
	}
}

// AssignIDs numbers pairs sequentially starting at 1. The ID is the stable
// index every later stage keys on, so it is assigned exactly once, here.
func AssignIDs(pairs []*QAPair) {
	for i, qa := range pairs {
		qa.ID = i + 1
	}
}

// ---------------------------------------------------------------------------
// Extraction from analyzed chat exports
// ---------------------------------------------------------------------------

// rawExport mirrors the relevant parts of an analyzed chat export file.
type rawExport struct {
	Metadata struct {
		TotalMessages        int    `json:"total_messages"`
		ConversationDuration string `json:"conversation_duration"`
	} `json:"metadata"`
	TimelineAnalysis struct {
		StartDate   string `json:"start_date"`
		EndDate     string `json:"end_date"`
		Progression map[string]struct {
			QAPairs  []rawQA `json:"qa_pairs"`
			Emotions struct {
				OverallTone string `json:"overall_tone"`
			} `json:"emotions"`
		} `json:"progression"`
	} `json:"timeline_analysis"`
	OverallAnalysis struct {
		QAPairs  []rawQA `json:"qa_pairs"`
		Emotions struct {
			OverallTone string `json:"overall_tone"`
		} `json:"emotions"`
		RiskAssessment struct {
			PotentialScam bool   `json:"potential_scam"`
			Explanation   string `json:"explanation"`
		} `json:"risk_assessment"`
		Topics []string `json:"topics"`
	} `json:"overall_analysis"`
}

type rawQA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Context  string `json:"context"`
}

// ExtractFile pulls all QA pairs out of one analyzed chat export: the
// conversation-level pairs from overall_analysis plus the dated pairs from
// the timeline progression.
func ExtractFile(path string) ([]*QAPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw rawExport
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	conv := Conversation{
		FileName:             filepath.Base(path),
		StartDate:            raw.TimelineAnalysis.StartDate,
		EndDate:              raw.TimelineAnalysis.EndDate,
		TotalMessages:        raw.Metadata.TotalMessages,
		ConversationDuration: raw.Metadata.ConversationDuration,
		OverallTone:          raw.OverallAnalysis.Emotions.OverallTone,
		PotentialScam:        raw.OverallAnalysis.RiskAssessment.PotentialScam,
		RiskExplanation:      raw.OverallAnalysis.RiskAssessment.Explanation,
		Topics:               raw.OverallAnalysis.Topics,
	}

	var pairs []*QAPair
	for _, qa := range raw.OverallAnalysis.QAPairs {
		pairs = append(pairs, &QAPair{
			Conversation: conv,
			QuestionPT:   qa.Question,
			AnswerPT:     qa.Answer,
			Context:      qa.Context,
			Source:       SourceOverallAnalysis,
		})
	}

	// Progression is a map keyed by date; iterate in sorted order so
	// extraction output is deterministic.
	dates := make([]string, 0, len(raw.TimelineAnalysis.Progression))
	for d := range raw.TimelineAnalysis.Progression {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	for _, d := range dates {
		day := raw.TimelineAnalysis.Progression[d]
		for _, qa := range day.QAPairs {
			pairs = append(pairs, &QAPair{
				Conversation: conv,
				QuestionPT:   qa.Question,
				AnswerPT:     qa.Answer,
				Context:      qa.Context,
				Date:         d,
				EmotionTone:  day.Emotions.OverallTone,
				Source:       SourceTimelineProgression,
			})
		}
	}

	return pairs, nil
}

// ExtractDir extracts QA pairs from every *.json file in dir, in file name
// order, and assigns IDs across the whole set.
func ExtractDir(dir string) ([]*QAPair, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no analyzed chat exports found in %s", dir)
	}
	sort.Strings(matches)

	var all []*QAPair
	for _, path := range matches {
		pairs, err := ExtractFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, pairs...)
	}

	AssignIDs(all)
	return all, nil
}
