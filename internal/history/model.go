package history

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type Record struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	ContextID    string     `gorm:"not null;index" json:"context_id"`
	VoiceID      string     `gorm:"not null;index" json:"voice_id"`
	TextLength   int        `gorm:"not null" json:"text_length"`
	AudioBytes   int        `json:"audio_bytes"`
	Chunks       int        `json:"chunks"`
	Cached       bool       `json:"cached"`
	Status       Status     `gorm:"not null;index" json:"status"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `gorm:"not null;index" json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (Record) TableName() string {
	return "synthesis_records"
}

func (r *Record) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
