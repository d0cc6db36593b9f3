package correction

import (
	"strings"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// diffWindow bounds the words from each side aligned at once, so memory
// stays at one (diffWindow+1)² table regardless of input length.
const diffWindow = 256

type editOp uint8

const (
	opMatch editOp = iota
	opInsert
	opDelete
)

// Diff derives word-level corrections between original and corrected.
// Each correction covers one run of changed words; Position is the index
// of the run's first word in original.
//
// Alignment runs over sliding windows of diffWindow words, so time is
// linear in the input and memory is bounded by the window.
func Diff(original, corrected string) []domain.Correction {
	a := strings.Fields(original)
	b := strings.Fields(corrected)

	r := runBuilder{corrections: []domain.Correction{}, start: -1}
	var table []int

	i, j := 0, 0
	for i < len(a) || j < len(b) {
		if i < len(a) && j < len(b) && a[i] == b[j] {
			r.flush()
			i++
			j++
			continue
		}

		wa := a[i:min(i+diffWindow, len(a))]
		wb := b[j:min(j+diffWindow, len(b))]
		var ops []editOp
		ops, table = alignWindow(wa, wb, table)
		if i+len(wa) < len(a) || j+len(wb) < len(b) {
			ops = committable(ops)
		}

		for _, op := range ops {
			switch op {
			case opMatch:
				r.flush()
				i++
				j++
			case opInsert:
				r.insert(i, b[j])
				j++
			case opDelete:
				r.delete(i, a[i])
				i++
			}
		}
	}
	r.flush()

	return r.corrections
}

// alignWindow returns an LCS edit script turning a into b. table is reused
// across calls and returned grown if needed.
func alignWindow(a, b []string, table []int) ([]editOp, []int) {
	cols := len(b) + 1
	need := (len(a) + 1) * cols
	if cap(table) < need {
		table = make([]int, need)
	}
	table = table[:need]

	// table[i*cols+j] is the LCS length of a[i:] and b[j:]
	for i := len(a); i >= 0; i-- {
		for j := len(b); j >= 0; j-- {
			switch {
			case i == len(a) || j == len(b):
				table[i*cols+j] = 0
			case a[i] == b[j]:
				table[i*cols+j] = table[(i+1)*cols+j+1] + 1
			default:
				table[i*cols+j] = max(table[(i+1)*cols+j], table[i*cols+j+1])
			}
		}
	}

	ops := make([]editOp, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && j < len(b) && a[i] == b[j]:
			ops = append(ops, opMatch)
			i++
			j++
		case j < len(b) && (i == len(a) || table[i*cols+j+1] >= table[(i+1)*cols+j]):
			ops = append(ops, opInsert)
			j++
		default:
			ops = append(ops, opDelete)
			i++
		}
	}
	return ops, table
}

// committable trims a non-final window's script after its last match so
// trailing edits are realigned with the words that follow. The whole
// script is kept when that prefix covers less than half of a full window,
// which keeps every step advancing by at least diffWindow words.
func committable(ops []editOp) []editOp {
	last, consumed, atLast := -1, 0, 0
	for k, op := range ops {
		if op == opMatch {
			consumed += 2
			last, atLast = k, consumed
			continue
		}
		consumed++
	}
	if last < 0 || atLast < diffWindow {
		return ops
	}
	return ops[:last+1]
}

type runBuilder struct {
	corrections []domain.Correction
	del, ins    []string
	start       int
}

func (r *runBuilder) insert(pos int, word string) {
	if r.start < 0 {
		r.start = pos
	}
	r.ins = append(r.ins, word)
}

func (r *runBuilder) delete(pos int, word string) {
	if r.start < 0 {
		r.start = pos
	}
	r.del = append(r.del, word)
}

func (r *runBuilder) flush() {
	if len(r.del) > 0 || len(r.ins) > 0 {
		r.corrections = append(r.corrections, domain.Correction{
			Original:    strings.Join(r.del, " "),
			Replacement: strings.Join(r.ins, " "),
			Position:    r.start,
		})
	}
	r.del, r.ins, r.start = nil, nil, -1
}
