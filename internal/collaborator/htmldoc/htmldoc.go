package htmldoc

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// skipped elements never carry correctable prose
var skipped = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Code:     true,
	atom.Pre:      true,
	atom.Textarea: true,
}

// Segmenter parses HTML payloads
type Segmenter struct{}

// Parse parses payload into a Document
func (Segmenter) Parse(payload []byte) (domain.Document, error) {
	return Parse(payload)
}

type textNode struct {
	node     *html.Node
	segment  domain.Segment
	leading  string
	trailing string
}

// Document is a parsed HTML tree with its text segments
type Document struct {
	root  *html.Node
	nodes []textNode
}

// Parse parses payload and collects text segments in document order. The
// segment ID is a hash of the node's structural path, for example
// html[0]/body[0]/p[1]/#text[0], so it is stable while the markup around a
// paragraph is unchanged.
func Parse(payload []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	d := &Document{root: root}
	d.walk(root, "")
	return d, nil
}

func (d *Document) walk(n *html.Node, path string) {
	counts := make(map[string]int)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			if skipped[c.DataAtom] {
				continue
			}
			idx := counts[c.Data]
			counts[c.Data]++
			d.walk(c, join(path, c.Data+"["+strconv.Itoa(idx)+"]"))
		case html.TextNode:
			idx := counts["#text"]
			counts["#text"]++
			d.addText(c, join(path, "#text["+strconv.Itoa(idx)+"]"))
		}
	}
}

func (d *Document) addText(n *html.Node, path string) {
	text := strings.TrimSpace(n.Data)
	if text == "" {
		return
	}
	d.nodes = append(d.nodes, textNode{
		node:     n,
		segment:  domain.Segment{ID: SegmentID(path), Text: text},
		leading:  n.Data[:len(n.Data)-len(strings.TrimLeftFunc(n.Data, unicode.IsSpace))],
		trailing: n.Data[len(strings.TrimRightFunc(n.Data, unicode.IsSpace)):],
	})
}

// SegmentID hashes a structural path into a segment identifier
func SegmentID(path string) string {
	return strconv.FormatUint(xxhash.Sum64String(path), 16)
}

// Segments returns the text segments in document order
func (d *Document) Segments() []domain.Segment {
	segs := make([]domain.Segment, len(d.nodes))
	for i, n := range d.nodes {
		segs[i] = n.segment
	}
	return segs
}

// Render serialises the document with each segment ID in replacements
// swapped for its corrected text, keeping surrounding whitespace. The
// parsed tree is left unchanged.
func (d *Document) Render(replacements map[string]string) ([]byte, error) {
	for _, n := range d.nodes {
		if r, ok := replacements[n.segment.ID]; ok {
			n.node.Data = n.leading + r + n.trailing
		}
	}
	defer func() {
		for _, n := range d.nodes {
			n.node.Data = n.leading + n.segment.Text + n.trailing
		}
	}()

	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return nil, fmt.Errorf("failed to render html: %w", err)
	}
	return buf.Bytes(), nil
}

func join(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "/" + elem
}
