package xmlsec

import (
	"github.com/beevik/etree"
)

// Document is a parsed XML document that passed the security checks.
type Document struct {
	Tree  *etree.Document
	lines map[*etree.Element]int
}

// Root returns the document element.
func (d *Document) Root() *etree.Element {
	return d.Tree.Root()
}

// Line returns the source line of el, or 0 when it is unknown
// (for example for elements added after parsing).
func (d *Document) Line(el *etree.Element) int {
	return d.lines[el]
}

// Bytes serializes the document.
func (d *Document) Bytes() ([]byte, error) {
	return d.Tree.WriteToBytes()
}
