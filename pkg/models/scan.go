package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	ScanStatusPending    = "pending"
	ScanStatusProcessing = "processing"
	ScanStatusCompleted  = "completed"
	ScanStatusFailed     = "failed"
)

// ScanType selects the analysis a scan pays for.
type ScanType string

const (
	ScanTypeAI         ScanType = "ai"
	ScanTypePlagiarism ScanType = "plagiarism"
)

// Queue returns the job table a scan of this type is enqueued into.
func (t ScanType) Queue() Queue {
	if t == ScanTypePlagiarism {
		return QueuePlagiarism
	}
	return QueueDetection
}

// Scan is the user-facing record of one uploaded document.
type Scan struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	UserID      uuid.UUID       `db:"user_id"      json:"user_id"`
	FileName    string          `db:"file_name"    json:"file_name"`
	FileSize    int64           `db:"file_size"    json:"file_size"`
	FileType    string          `db:"file_type"    json:"file_type"`
	ScanType    ScanType        `db:"scan_type"    json:"scan_type"`
	Status      string          `db:"status"       json:"status"`
	AIScore     *int            `db:"ai_score"     json:"ai_score"`
	WordCount   *int            `db:"word_count"   json:"word_count"`
	Result      json.RawMessage `db:"result"       json:"result,omitempty"`

	PlagiarismScore  *int            `db:"plagiarism_score"  json:"plagiarism_score,omitempty"`
	PlagiarismResult json.RawMessage `db:"plagiarism_result" json:"plagiarism_result,omitempty"`

	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// ScanResult is what the dispatcher writes back onto a scan on success.
type ScanResult struct {
	AIScore     int
	WordCount   *int
	Raw         json.RawMessage
	CompletedAt time.Time
}

// PlagiarismOutcome is what the plagiarism processor writes back onto a scan.
type PlagiarismOutcome struct {
	Score       int
	Raw         json.RawMessage
	CompletedAt time.Time
}

// ScanStats aggregates a user's scans.
type ScanStats struct {
	TotalWordsAnalyzed int `json:"total_words_analyzed"`
	TotalScans         int `json:"total_scans"`
	CompletedScans     int `json:"completed_scans"`
	AvgAIScore         int `json:"avg_ai_score"`
}
