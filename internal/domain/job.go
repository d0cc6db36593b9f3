package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Job is one logical unit of work: a single file inside a batch
type Job struct {
	ID       string
	Position int
	Name     string
	Kind     Kind
	Payload  []byte
	Status   Status
	Err      *TaskError

	// cacheHit records that the job skipped dispatch, since CacheHit is
	// not the final status.
	cacheHit bool
}

// NewJob creates a pending job
func NewJob(batchID string, position int, name string, kind Kind, payload []byte) *Job {
	return &Job{
		ID:       fmt.Sprintf("%s-%d", batchID, position),
		Position: position,
		Name:     name,
		Kind:     kind,
		Payload:  payload,
		Status:   JobStatusPending,
	}
}

// Transition moves the job forward, rejecting backward or skipped steps
func (j *Job) Transition(next Status) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	if next == JobStatusCacheHit {
		j.cacheHit = true
	}
	j.Status = next
	return nil
}

// Fail marks the job failed with the given task error
func (j *Job) Fail(err *TaskError) error {
	if err := j.Transition(JobStatusFailed); err != nil {
		return err
	}
	j.Err = err
	return nil
}

// FromCache reports whether the job was resolved from cache without dispatch
func (j *Job) FromCache() bool {
	return j.cacheHit
}

// Batch is an ordered sequence of jobs with batch-level metadata
type Batch struct {
	ID                       string
	Jobs                     []*Job
	TotalFiles               int
	DeclaredUncompressedSize int64
	DeclaredFileCount        int
	TotalEntries             int
	SkippedFiles             int
	TotalSize                int64
}

// KindForName maps a filename to a job kind using the configured extension sets
func KindForName(name string, exts ExtensionSet) (Kind, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case contains(exts.Image, ext):
		return KindImage, true
	case contains(exts.HTML, ext):
		return KindHTML, true
	case contains(exts.Text, ext):
		return KindText, true
	}
	return "", false
}

// ExtensionSet groups the allowed file extensions by kind
type ExtensionSet struct {
	Image   []string
	HTML    []string
	Text    []string
	Archive []string
}

// IsArchive reports whether name carries an archive extension
func (e ExtensionSet) IsArchive(name string) bool {
	return contains(e.Archive, strings.ToLower(filepath.Ext(name)))
}

// DefaultExtensions mirrors the formats the correction engine understands
func DefaultExtensions() ExtensionSet {
	return ExtensionSet{
		Image:   []string{".png", ".jpg", ".jpeg", ".bmp", ".tiff", ".webp"},
		HTML:    []string{".html", ".htm"},
		Text:    []string{".txt"},
		Archive: []string{".zip"},
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
