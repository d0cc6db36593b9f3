package broker

import (
	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Task is the descriptor published for one correction call
type Task struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
}

// Completion answers a Task, correlated by TaskID
type Completion struct {
	TaskID        string              `json:"task_id"`
	CorrectedText string              `json:"corrected_text,omitempty"`
	Corrections   []domain.Correction `json:"corrections,omitempty"`
	Error         string              `json:"error,omitempty"`
	// Transient marks failures the caller may retry
	Transient bool `json:"transient,omitempty"`
}

// Failed reports whether the task did not produce a correction
func (c Completion) Failed() bool {
	return c.Error != ""
}
