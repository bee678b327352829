package xmlsec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/beevik/etree"
)

const (
	// MaxDocumentSize is the default size ceiling in bytes.
	MaxDocumentSize = 2_000_000
	// MaxDepth is the default element nesting ceiling.
	MaxDepth = 64
)

// Reasons a document is rejected. Use errors.Is against an *Error.
var (
	ErrTooLarge     = errors.New("document exceeds size limit")
	ErrTooDeep      = errors.New("document exceeds nesting depth limit")
	ErrForbiddenDTD = errors.New("document type declarations are not allowed")
	ErrMalformed    = errors.New("document is not well-formed")
)

// Error is returned for every document rejected by the parser.
type Error struct {
	Reason error
	Line   int
	Detail string
}

func (e *Error) Error() string {
	msg := e.Reason.Error()
	if e.Line > 0 {
		msg = fmt.Sprintf("%s (line %d)", msg, e.Line)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return "xml security: " + msg
}

func (e *Error) Unwrap() error {
	return e.Reason
}

// Limits bounds what the parser accepts. Zero values use the package defaults.
type Limits struct {
	MaxBytes int
	MaxDepth int
}

// Parser parses XML under fixed limits. It is safe for concurrent use.
type Parser struct {
	limits Limits
}

// NewParser creates a parser with the given limits
func NewParser(limits Limits) *Parser {
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = MaxDocumentSize
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = MaxDepth
	}
	return &Parser{limits: limits}
}

var defaultParser = NewParser(Limits{})

// Parse parses data with the default limits.
func Parse(data []byte) (*Document, error) {
	return defaultParser.Parse(data)
}

// Parse checks data against the parser limits and returns the parsed tree.
func (p *Parser) Parse(data []byte) (*Document, error) {
	if len(data) > p.limits.MaxBytes {
		return nil, &Error{
			Reason: ErrTooLarge,
			Detail: fmt.Sprintf("%d bytes, limit %d", len(data), p.limits.MaxBytes),
		}
	}

	lines, err := p.scan(data)
	if err != nil {
		return nil, err
	}

	tree := etree.NewDocument()
	tree.ReadSettings.Permissive = false
	if err := tree.ReadFromBytes(data); err != nil {
		return nil, &Error{Reason: ErrMalformed, Detail: err.Error()}
	}
	if tree.Root() == nil {
		return nil, &Error{Reason: ErrMalformed, Detail: "no root element"}
	}

	doc := &Document{Tree: tree, lines: make(map[*etree.Element]int, len(lines))}
	i := 0
	walk(tree.Root(), func(el *etree.Element) {
		if i < len(lines) {
			doc.lines[el] = lines[i]
		}
		i++
	})
	return doc, nil
}

// scan tokenizes data without building a tree, enforcing depth and
// rejecting declarations. It returns the line of each start element in
// document order.
func (p *Parser) scan(data []byte) ([]int, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true

	var lines []int
	depth := 0
	roots := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			line, _ := dec.InputPos()
			return nil, &Error{Reason: ErrMalformed, Line: line, Detail: err.Error()}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				roots++
				if roots > 1 {
					line, _ := dec.InputPos()
					return nil, &Error{Reason: ErrMalformed, Line: line, Detail: "multiple root elements"}
				}
			}
			line, _ := dec.InputPos()
			if depth > p.limits.MaxDepth {
				return nil, &Error{
					Reason: ErrTooDeep,
					Line:   line,
					Detail: fmt.Sprintf("element <%s> at depth %d, limit %d", t.Name.Local, depth, p.limits.MaxDepth),
				}
			}
			lines = append(lines, line)
		case xml.EndElement:
			depth--
		case xml.Directive:
			line, _ := dec.InputPos()
			return nil, &Error{Reason: ErrForbiddenDTD, Line: line}
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				line, _ := dec.InputPos()
				return nil, &Error{Reason: ErrMalformed, Line: line, Detail: "content outside root element"}
			}
		}
	}

	if roots == 0 {
		return nil, &Error{Reason: ErrMalformed, Detail: "no root element"}
	}
	return lines, nil
}

func walk(el *etree.Element, fn func(*etree.Element)) {
	fn(el)
	for _, child := range el.ChildElements() {
		walk(child, fn)
	}
}
