package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleMember is a regular practicing user.
	UserRoleMember UserRole = "member"
	// UserRoleAdmin is an administrator.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// SessionMode distinguishes self-paced practice from proctored interviews.
type SessionMode string

const (
	ModePractice  SessionMode = "practice"
	ModeInterview SessionMode = "interview"
)

// SessionStatus represents the status of a practice/interview session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusPaused     SessionStatus = "paused"
	StatusCompleted  SessionStatus = "completed"
	StatusExpired    SessionStatus = "expired"
	StatusAbandoned  SessionStatus = "abandoned"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusAbandoned
}

// Active reports whether the session still accepts answers or state changes.
func (s SessionStatus) Active() bool {
	return s == StatusInProgress || s == StatusPaused
}

// QuestionType represents question answer formats.
type QuestionType string

const (
	TypeSingleChoice QuestionType = "single_choice"
	TypeMultiChoice  QuestionType = "multi_choice"
	TypeWritten      QuestionType = "written"
)

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Option is a selectable choice on a choice-type question. Correct is part
// of the answer key and must never leave the server in runner payloads.
type Option struct {
	ID      int64  `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"-"`
}

// Question represents a catalog question together with its answer key.
type Question struct {
	ID            int64        `json:"id"`
	Type          QuestionType `json:"type"`
	Topic         string       `json:"topic"`
	Difficulty    Difficulty   `json:"difficulty"`
	Text          string       `json:"text"`
	Options       []Option     `json:"options,omitempty"`
	ReferenceText string       `json:"-"`
	Explanation   string       `json:"-"`
}

// CorrectOptionIDs returns the canonical correct-option-id set.
func (q Question) CorrectOptionIDs() []int64 {
	var ids []int64
	for _, o := range q.Options {
		if o.Correct {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Assignment is a configured, reusable set of questions with mode and
// policy settings.
type Assignment struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	Mode             SessionMode `json:"mode"`
	Topic            string      `json:"topic,omitempty"`
	Difficulty       Difficulty  `json:"difficulty,omitempty"`
	QuestionIDs      []int64     `json:"question_ids"`
	RandomOrder      bool        `json:"random_order"`
	TimeLimit        int         `json:"time_limit"` // minutes, 0 = none
	Cost             int64       `json:"cost"`       // credits, 0 = free
	WrittenThreshold float64     `json:"written_threshold"`
	ViolationCeiling int         `json:"violation_ceiling"`
	Active           bool        `json:"active"`
}

// Session represents one user's attempt at an assignment, from start to a
// terminal outcome.
//
/// Invariants: CorrectCount+IncorrectCount <= TotalItems; FinishedAt is set
// iff the status is terminal; RootID points at the first attempt of the
// lineage and is nil iff AttemptOrdinal is 1.
type Session struct {
	ID             int64         `json:"id"`
	AssignmentID   int64         `json:"assignment_id"`
	UserID         int64         `json:"user_id"`
	Mode           SessionMode   `json:"mode"`
	Status         SessionStatus `json:"status"`
	RootID         *int64        `json:"root_id,omitempty"`
	AttemptOrdinal int           `json:"attempt_ordinal"`
	TotalItems     int           `json:"total_items"`
	CorrectCount   int           `json:"correct_count"`
	IncorrectCount int           `json:"incorrect_count"`
	TotalTimeMs    int64         `json:"total_time_ms"`
	Score          float64       `json:"score"`
	Settled        bool          `json:"-"`
	StartedAt      time.Time     `json:"started_at"`
	Deadline       *time.Time    `json:"deadline,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
}

// Lineage returns the id of the session's lineage root: RootID when set,
// otherwise the session itself.
func (s Session) Lineage() int64 {
	if s.RootID != nil {
		return *s.RootID
	}
	return s.ID
}

// Answer is the stored record for one (session, question) pair.
// Resubmission overwrites it only while the session is non-terminal.
type Answer struct {
	SessionID    int64     `json:"session_id"`
	QuestionID   int64     `json:"question_id"`
	SelectedIDs  []int64   `json:"selected_ids,omitempty"`
	WrittenText  string    `json:"written_text,omitempty"`
	IsCorrect    bool      `json:"is_correct"`
	MatchPercent *float64  `json:"match_percent,omitempty"`
	TimeSpentMs  int64     `json:"time_spent_ms"`
	AnsweredAt   time.Time `json:"answered_at"`
}

// IntegrityEventType classifies proctoring signals reported by the client.
type IntegrityEventType string

const (
	EventTabSwitch       IntegrityEventType = "tab_switch"
	EventFocusLost       IntegrityEventType = "focus_lost"
	EventCopy            IntegrityEventType = "copy"
	EventPaste           IntegrityEventType = "paste"
	EventDevToolsOpen    IntegrityEventType = "devtools_open"
	EventFullscreenExit  IntegrityEventType = "fullscreen_exit"
	EventScreenRecording IntegrityEventType = "screen_recording"
	EventMultipleWindows IntegrityEventType = "multiple_windows"
	EventNavigation      IntegrityEventType = "navigation_attempt"
	EventFocusGained     IntegrityEventType = "focus_gained"
	EventFullscreenEnter IntegrityEventType = "fullscreen_enter"
	EventReconnect       IntegrityEventType = "reconnect"
)

// IntegrityEvent is one proctoring signal recorded against a session.
// Append-only; retained for audit even when it is not a violation.
type IntegrityEvent struct {
	ID        int64              `json:"id"`
	SessionID int64              `json:"session_id"`
	Type      IntegrityEventType `json:"type"`
	CreatedAt time.Time          `json:"created_at"`
}

// LedgerType represents the business reason for a credit movement.
type LedgerType string

const (
	LedgerPurchase    LedgerType = "purchase"
	LedgerBonus       LedgerType = "bonus"
	LedgerConsumption LedgerType = "consumption"
	LedgerRefund      LedgerType = "refund"
	LedgerExpiration  LedgerType = "expiration"
)

// LedgerEntry is an immutable, signed credit movement for a user. A user's
// available balance is always derived by summing entries, never stored.
type LedgerEntry struct {
	ID        int64      `json:"id"`
	Ref       string     `json:"ref"`
	UserID    int64      `json:"user_id"`
	Type      LedgerType `json:"type"`
	Delta     int64      `json:"delta"`
	SessionID *int64     `json:"session_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Slice is one accuracy bucket in an analytics breakdown.
type Slice struct {
	Key     string `json:"key"`
	Correct int    `json:"correct"`
	Total   int    `json:"total"`
}

// Accuracy returns the slice's correct ratio in [0, 1], 0 when Total is 0.
func (s Slice) Accuracy() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Total)
}

// SliceDimension names an analytics breakdown axis.
type SliceDimension string

const (
	SliceByTopic      SliceDimension = "topic"
	SliceByType       SliceDimension = "type"
	SliceByDifficulty SliceDimension = "difficulty"
)

// TrendPoint is one bucket in an overview time series.
type TrendPoint struct {
	Date     string  `json:"date"`
	Sessions int     `json:"sessions"`
	AvgScore float64 `json:"avg_score"`
}

// Ranking is a top-N row in the admin overview.
type Ranking struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Sessions int     `json:"sessions"`
	AvgScore float64 `json:"avg_score"`
}

// Overview is the admin dashboard report.
type Overview struct {
	From         string       `json:"from"`
	To           string       `json:"to"`
	Trend        []TrendPoint `json:"trend"`
	TopTemplates []Ranking    `json:"top_templates"`
	TopUsers     []Ranking    `json:"top_users"`
}

// RunnerItem is a question as presented to the client: answer key redacted.
type RunnerItem struct {
	Position int      `json:"position"`
	Question Question `json:"question"`
	Answered bool     `json:"answered"`
}

// RunnerState is what the client needs to drive a session.
type RunnerState struct {
	Session Session      `json:"session"`
	Items   []RunnerItem `json:"items"`
}

// SubmitResult is returned after an answer submission. Correctness fields
// are populated in practice mode only; interview mode acknowledges.
type SubmitResult struct {
	Accepted     bool     `json:"accepted"`
	IsCorrect    *bool    `json:"is_correct,omitempty"`
	MatchPercent *float64 `json:"match_percent,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`
}

// Summary is the finalize response: totals, per-slice breakdown and score.
type Summary struct {
	Session    Session            `json:"session"`
	Slices     map[string][]Slice `json:"slices"`
	DurationMs int64              `json:"duration_ms"`
}
