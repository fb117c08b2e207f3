package ingest

import "time"

// TaskStatus is the lifecycle state of an ingestion task
type TaskStatus string

const (
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task reports the progress of one uploaded bill
type Task struct {
	ID             string     `json:"task_id"`
	Status         TaskStatus `json:"status"`
	Message        string     `json:"message"`
	ImagePath      string     `json:"image_path,omitempty"`
	OCRTextLength  int        `json:"ocr_text_length,omitempty"`
	RecordID       string     `json:"record_id,omitempty"`
	BillID         int64      `json:"bill_id,omitempty"`
	Error          string     `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ProcessingTime float64    `json:"processing_time,omitempty"` // seconds
}

func (t *Task) finished() bool {
	return t.Status != TaskProcessing
}
