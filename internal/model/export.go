package model

import "time"

// ResultsExport is the top-level JSON structure for session result export.
type ResultsExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Sessions   []SessionResult `json:"sessions"`
}

// SessionResult holds one finished session's data for export.
type SessionResult struct {
	SessionID      int64          `json:"session_id"`
	Username       string         `json:"username"`
	DisplayName    string         `json:"display_name"`
	Assignment     string         `json:"assignment"`
	Mode           SessionMode    `json:"mode"`
	Status         SessionStatus  `json:"status"`
	AttemptOrdinal int            `json:"attempt_ordinal"`
	Score          float64        `json:"score"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Answers        []AnswerResult `json:"answers"`
}

// AnswerResult holds per-question data for export.
type AnswerResult struct {
	QuestionText string       `json:"question_text"`
	Topic        string       `json:"topic"`
	Difficulty   Difficulty   `json:"difficulty"`
	Type         QuestionType `json:"type"`
	IsCorrect    bool         `json:"is_correct"`
	MatchPercent *float64     `json:"match_percent,omitempty"`
	TimeSpentMs  int64        `json:"time_spent_ms"`
}

// QuestionImport is used for loading catalog questions from JSON.
type QuestionImport struct {
	Type          QuestionType `json:"type"`
	Topic         string       `json:"topic"`
	Difficulty    Difficulty   `json:"difficulty"`
	Text          string       `json:"text"`
	Options       []string     `json:"options,omitempty"`
	CorrectIdx    []int        `json:"correct,omitempty"`
	ReferenceText string       `json:"reference_text,omitempty"`
	Explanation   string       `json:"explanation,omitempty"`
}

// AssignmentImport is used for loading assignments from JSON. Questions are
// selected by the topic/difficulty filter at import time.
type AssignmentImport struct {
	Name             string      `json:"name"`
	Mode             SessionMode `json:"mode"`
	Topic            string      `json:"topic,omitempty"`
	Difficulty       Difficulty  `json:"difficulty,omitempty"`
	RandomOrder      bool        `json:"random_order"`
	TimeLimit        int         `json:"time_limit"`
	Cost             int64       `json:"cost"`
	WrittenThreshold float64     `json:"written_threshold"`
	ViolationCeiling int         `json:"violation_ceiling"`
}
