package domain

// Correction is a single word-level change made by the correction engine
type Correction struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Position    int    `json:"position"`
}

// Outcome is the corrected form of one job's content
type Outcome struct {
	OriginalText  string       `json:"original_text"`
	CorrectedText string       `json:"corrected_text"`
	Corrections   []Correction `json:"corrections"`
	Output        []byte       `json:"output,omitempty"`
	CacheLevel    string       `json:"cache_level,omitempty"`
	Degraded      bool         `json:"degraded,omitempty"`
}

// Result is one position of an aggregated batch response
type Result struct {
	Position         int          `json:"position"`
	JobID            string       `json:"job_id"`
	Filename         string       `json:"filename"`
	Kind             Kind         `json:"kind"`
	Success          bool         `json:"success"`
	Status           Status       `json:"status"`
	CacheHit         bool         `json:"cache_hit"`
	CacheLevel       string       `json:"cache_level,omitempty"`
	OriginalText     string       `json:"original_text"`
	CorrectedText    string       `json:"corrected_text"`
	Corrections      []Correction `json:"corrections"`
	CorrectionsCount int          `json:"corrections_count"`
	OutputContent    string       `json:"output_content,omitempty"`
	Degraded         bool         `json:"degraded,omitempty"`
	ErrorCode        Code         `json:"error_code,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// Summary totals a batch response
type Summary struct {
	TotalFilesProcessed int `json:"total_files_processed"`
	Successful          int `json:"successful"`
	Failed              int `json:"failed"`
	CacheHits           int `json:"cache_hits"`
	TotalCorrections    int `json:"total_corrections"`
}

// Metadata describes the upload the batch was decomposed from
type Metadata struct {
	TotalEntries int   `json:"total_entries"`
	ValidFiles   int   `json:"valid_files"`
	SkippedFiles int   `json:"skipped_files"`
	TotalSize    int64 `json:"total_size"`
}

// BatchResult is the ordered response for a whole batch
type BatchResult struct {
	BatchID  string   `json:"batch_id"`
	Healthy  bool     `json:"healthy"`
	Results  []Result `json:"results"`
	Summary  Summary  `json:"summary"`
	Metadata Metadata `json:"metadata"`
}
