package domain

// Segment is one extractable text node of a structured document
type Segment struct {
	// ID identifies the node by its position in the document tree
	ID   string
	Text string
}

// SegmentResult is the correction of one segment
type SegmentResult struct {
	CorrectedText string
	Corrections   []Correction
	Degraded      bool
}

// Document is a parsed structured document that can be rebuilt with
// corrected segment text.
type Document interface {
	Segments() []Segment
	Render(replacements map[string]string) ([]byte, error)
}
