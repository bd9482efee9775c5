package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/prepdeck/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		topic TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		text TEXT NOT NULL,
		reference_text TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS question_options (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		correct INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'practice',
		topic TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT '',
		random_order INTEGER NOT NULL DEFAULT 0,
		time_limit INTEGER NOT NULL DEFAULT 0,
		cost INTEGER NOT NULL DEFAULT 0,
		written_threshold REAL NOT NULL DEFAULT 80,
		violation_ceiling INTEGER NOT NULL DEFAULT 5,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS assignment_items (
		assignment_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		PRIMARY KEY (assignment_id, position),
		FOREIGN KEY (assignment_id) REFERENCES assignments(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assignment_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		root_id INTEGER,
		attempt_ordinal INTEGER NOT NULL DEFAULT 1,
		total_items INTEGER NOT NULL,
		correct_count INTEGER NOT NULL DEFAULT 0,
		incorrect_count INTEGER NOT NULL DEFAULT 0,
		total_time_ms INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		settled INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		deadline DATETIME,
		finished_at DATETIME,
		FOREIGN KEY (assignment_id) REFERENCES assignments(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS session_items (
		session_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		PRIMARY KEY (session_id, position),
		FOREIGN KEY (session_id) REFERENCES sessions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS answers (
		session_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		selected_ids TEXT NOT NULL DEFAULT '[]',
		written_text TEXT NOT NULL DEFAULT '',
		is_correct INTEGER NOT NULL DEFAULT 0,
		match_percent REAL,
		time_spent_ms INTEGER NOT NULL DEFAULT 0,
		answered_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, question_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS integrity_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ref TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		delta INTEGER NOT NULL,
		session_id INTEGER,
		expires_at DATETIME,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS analytics_ingests (
		session_id INTEGER PRIMARY KEY,
		ingested_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analytics_slices (
		dimension TEXT NOT NULL,
		key TEXT NOT NULL,
		correct INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (dimension, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertQuestion stores a question and its options.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO questions (type, topic, difficulty, text, reference_text, explanation)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		q.Type, q.Topic, q.Difficulty, q.Text, q.ReferenceText, q.Explanation,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, o := range q.Options {
		if _, err := tx.Exec(
			`INSERT INTO question_options (question_id, text, correct) VALUES (?, ?, ?)`,
			id, o.Text, o.Correct,
		); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// GetQuestion returns a question with its options and answer key.
func (s *Store) GetQuestion(id int64) (model.Question, error) {
	var q model.Question
	err := s.db.QueryRow(
		`SELECT id, type, topic, difficulty, text, reference_text, explanation FROM questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.Type, &q.Topic, &q.Difficulty, &q.Text, &q.ReferenceText, &q.Explanation)
	if err != nil {
		return q, err
	}
	q.Options, err = s.optionsFor(id)
	return q, err
}

func (s *Store) optionsFor(questionID int64) ([]model.Option, error) {
	rows, err := s.db.Query(
		`SELECT id, text, correct FROM question_options WHERE question_id = ? ORDER BY id`, questionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var opts []model.Option
	for rows.Next() {
		var o model.Option
		if err := rows.Scan(&o.ID, &o.Text, &o.Correct); err != nil {
			return nil, err
		}
		opts = append(opts, o)
	}
	return opts, rows.Err()
}

// GetQuestions returns questions for the given ids, preserving order.
func (s *Store) GetQuestions(ids []int64) ([]model.Question, error) {
	questions := make([]model.Question, 0, len(ids))
	for _, id := range ids {
		q, err := s.GetQuestion(id)
		if err != nil {
			return nil, fmt.Errorf("get question %d: %w", id, err)
		}
		questions = append(questions, q)
	}
	return questions, nil
}

// ListQuestionsFiltered returns question ids matching the given filters.
// Empty strings mean no filtering on that field.
func (s *Store) ListQuestionsFiltered(topic string, difficulty model.Difficulty) ([]int64, error) {
	query := `SELECT id FROM questions WHERE 1=1`
	var args []any
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	if difficulty != "" {
		query += ` AND difficulty = ?`
		args = append(args, difficulty)
	}
	rows, err := s.db.Query(query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QuestionCount returns the number of questions in the catalog.
func (s *Store) QuestionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// CreateAssignment stores an assignment and its fixed item sequence.
func (s *Store) CreateAssignment(a model.Assignment) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO assignments (name, mode, topic, difficulty, random_order, time_limit, cost, written_threshold, violation_ceiling, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.Mode, a.Topic, a.Difficulty, a.RandomOrder, a.TimeLimit, a.Cost, a.WrittenThreshold, a.ViolationCeiling, a.Active,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, qID := range a.QuestionIDs {
		if _, err := tx.Exec(
			`INSERT INTO assignment_items (assignment_id, position, question_id) VALUES (?, ?, ?)`,
			id, i, qID,
		); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// GetAssignment returns an assignment with its item sequence.
func (s *Store) GetAssignment(id int64) (model.Assignment, error) {
	var a model.Assignment
	err := s.db.QueryRow(
		`SELECT id, name, mode, topic, difficulty, random_order, time_limit, cost, written_threshold, violation_ceiling, active
		 FROM assignments WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Mode, &a.Topic, &a.Difficulty, &a.RandomOrder, &a.TimeLimit, &a.Cost, &a.WrittenThreshold, &a.ViolationCeiling, &a.Active)
	if err != nil {
		return a, err
	}
	rows, err := s.db.Query(
		`SELECT question_id FROM assignment_items WHERE assignment_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return a, err
	}
	defer rows.Close()
	for rows.Next() {
		var qID int64
		if err := rows.Scan(&qID); err != nil {
			return a, err
		}
		a.QuestionIDs = append(a.QuestionIDs, qID)
	}
	return a, rows.Err()
}

// ListAssignments returns all assignments without item sequences.
func (s *Store) ListAssignments() ([]model.Assignment, error) {
	rows, err := s.db.Query(
		`SELECT id, name, mode, topic, difficulty, random_order, time_limit, cost, written_threshold, violation_ceiling, active
		 FROM assignments ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.ID, &a.Name, &a.Mode, &a.Topic, &a.Difficulty, &a.RandomOrder, &a.TimeLimit, &a.Cost, &a.WrittenThreshold, &a.ViolationCeiling, &a.Active); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// SetAssignmentActive flips an assignment's availability.
func (s *Store) SetAssignmentActive(id int64, active bool) error {
	_, err := s.db.Exec(`UPDATE assignments SET active = ? WHERE id = ?`, active, id)
	return err
}

func marshalIDs(ids []int64) string {
	if ids == nil {
		ids = []int64{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func unmarshalIDs(raw string) []int64 {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}
