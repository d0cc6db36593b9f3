package dto

import "github.com/cuongbtq/correction-pipeline/internal/domain"

type SubmitResponse struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

type ListBatchesRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListBatchesResponse struct {
	Batches    []BatchDTO `json:"batches"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type BatchDTO struct {
	BatchID        string              `json:"batch_id"`
	Status         string              `json:"status"`
	TotalFiles     int                 `json:"total_files"`
	CompletedFiles int                 `json:"completed_files"`
	Result         *domain.BatchResult `json:"result,omitempty"`
	Error          string              `json:"error,omitempty"`
	CreatedAt      string              `json:"created_at"`
	UpdatedAt      string              `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
