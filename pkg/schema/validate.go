package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-ecf/pkg/xmlsec"
)

// Schema is a compiled XSD. It is immutable and safe for concurrent use.
type Schema struct {
	elements map[string]*elementDecl
}

// Validate checks doc against the schema and returns every violation found.
func (s *Schema) Validate(doc *xmlsec.Document) []Violation {
	v := &validator{doc: doc}
	root := doc.Root()

	decl, ok := s.elements[root.Tag]
	if !ok {
		v.add(root, "/"+root.Tag, fmt.Sprintf("root element <%s> is not declared by the schema", root.Tag))
		return v.violations
	}
	v.element(root, decl, "/"+root.Tag)
	return v.violations
}

// validator accumulates violations for a single document. Element
// matching is by local name and greedy without backtracking.
type validator struct {
	doc        *xmlsec.Document
	violations []Violation
}

func (v *validator) add(el *etree.Element, path, msg string) {
	v.violations = append(v.violations, Violation{Line: v.doc.Line(el), Path: path, Message: msg})
}

func textOf(el *etree.Element) string {
	var b strings.Builder
	for _, tok := range el.Child {
		if cd, ok := tok.(*etree.CharData); ok {
			b.WriteString(cd.Data)
		}
	}
	return b.String()
}

func isNamespaceAttr(a etree.Attr) bool {
	return a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
}

func isInstanceAttr(a etree.Attr) bool {
	return a.Space == "xsi" || a.NamespaceURI() == xsiNamespace
}

func (v *validator) element(el *etree.Element, decl *elementDecl, path string) {
	if decl.nillable {
		if nilAttr := el.SelectAttr("xsi:nil"); nilAttr != nil && nilAttr.Value == "true" {
			if len(el.ChildElements()) > 0 || strings.TrimSpace(textOf(el)) != "" {
				v.add(el, path, "nil element must be empty")
			}
			return
		}
	}

	switch {
	case decl.anyType:
		return
	case decl.simple != nil:
		v.simpleElement(el, decl.simple, path)
	case decl.complex != nil:
		v.complexElement(el, decl.complex, path)
	}
}

func (v *validator) simpleElement(el *etree.Element, st *simpleType, path string) {
	for _, a := range el.Attr {
		if isNamespaceAttr(a) || isInstanceAttr(a) {
			continue
		}
		v.add(el, path, fmt.Sprintf("attribute %q is not allowed", a.Key))
	}
	if len(el.ChildElements()) > 0 {
		v.add(el, path, "element must not contain child elements")
		return
	}
	for _, msg := range checkSimple(st, textOf(el)) {
		v.add(el, path, msg)
	}
}

func (v *validator) complexElement(el *etree.Element, ct *complexType, path string) {
	v.attributes(el, ct, path)

	children := el.ChildElements()
	if ct.simple != nil {
		if len(children) > 0 {
			v.add(el, path, "element must not contain child elements")
			return
		}
		for _, msg := range checkSimple(ct.simple, textOf(el)) {
			v.add(el, path, msg)
		}
		return
	}

	if !ct.mixed && strings.TrimSpace(textOf(el)) != "" {
		v.add(el, path, "text content is not allowed")
	}

	i := 0
	if ct.content != nil {
		i = v.repeat(ct.content, children, 0, el, path)
	}
	for ; i < len(children); i++ {
		child := children[i]
		v.add(child, path+"/"+child.Tag, fmt.Sprintf("unexpected element <%s>", child.Tag))
	}
}

func (v *validator) attributes(el *etree.Element, ct *complexType, path string) {
	declared := make(map[string]*attributeDecl, len(ct.attrs))
	for _, a := range ct.attrs {
		declared[a.name] = a
	}

	seen := map[string]bool{}
	for _, a := range el.Attr {
		if isNamespaceAttr(a) || isInstanceAttr(a) {
			continue
		}
		seen[a.Key] = true
		decl, ok := declared[a.Key]
		if !ok {
			if !ct.anyAttr {
				v.add(el, path, fmt.Sprintf("attribute %q is not allowed", a.Key))
			}
			continue
		}
		if decl.fixed != nil && a.Value != *decl.fixed {
			v.add(el, path, fmt.Sprintf("attribute %q must have fixed value %q", a.Key, *decl.fixed))
		}
		if decl.simple != nil {
			for _, msg := range checkSimple(decl.simple, a.Value) {
				v.add(el, path, fmt.Sprintf("attribute %q: %s", a.Key, msg))
			}
		}
	}

	var missing []string
	for _, a := range ct.attrs {
		if a.required && !seen[a.name] {
			missing = append(missing, a.name)
		}
	}
	sort.Strings(missing)
	for _, name := range missing {
		v.add(el, path, fmt.Sprintf("missing required attribute %q", name))
	}
}

// repeat matches p as many times as its bounds allow starting at
// children[i] and returns the index of the first unconsumed child.
func (v *validator) repeat(p *particle, children []*etree.Element, i int, parent *etree.Element, path string) int {
	count := 0
	for p.max == unbounded || count < p.max {
		j, ok := v.once(p, children, i, parent, path, count < p.min)
		if !ok {
			break
		}
		count++
		if j == i {
			if count < p.min {
				count = p.min
			}
			break
		}
		i = j
	}
	if count < p.min {
		v.add(parent, path, fmt.Sprintf("missing required %s", describe(p)))
	}
	return i
}

// once matches a single occurrence of p. Groups that are not required
// only start when the next child can begin them; once started, or when
// required, their missing parts are reported instead of failing the match.
func (v *validator) once(p *particle, children []*etree.Element, i int, parent *etree.Element, path string, required bool) (int, bool) {
	switch p.kind {
	case kindElement:
		if i < len(children) && children[i].Tag == p.elem.name {
			child := children[i]
			v.element(child, p.elem, path+"/"+child.Tag)
			return i + 1, true
		}
		return i, false

	case kindAny:
		if i < len(children) {
			return i + 1, true
		}
		return i, false

	case kindSequence:
		if !required && !p.accepts(children, i) {
			return i, false
		}
		for _, c := range p.children {
			i = v.repeat(c, children, i, parent, path)
		}
		return i, true

	case kindChoice:
		for _, c := range p.children {
			if c.accepts(children, i) {
				return v.repeat(c, children, i, parent, path), true
			}
		}
		if !required {
			return i, false
		}
		if !p.emptiable() {
			v.add(parent, path, fmt.Sprintf("missing required %s", describe(p)))
		}
		return i, true

	case kindAll:
		if !required && !p.accepts(children, i) {
			return i, false
		}
		members := make(map[string]*particle, len(p.children))
		for _, c := range p.children {
			if c.kind == kindElement {
				members[c.elem.name] = c
			}
		}
		seen := map[string]bool{}
		for i < len(children) {
			child := children[i]
			c, ok := members[child.Tag]
			if !ok || seen[child.Tag] {
				break
			}
			seen[child.Tag] = true
			v.element(child, c.elem, path+"/"+child.Tag)
			i++
		}
		for _, c := range p.children {
			if c.kind == kindElement && c.min > 0 && !seen[c.elem.name] {
				v.add(parent, path, fmt.Sprintf("missing required %s", describe(c)))
			}
		}
		return i, true
	}
	return i, false
}

func describe(p *particle) string {
	if p.kind == kindElement {
		return fmt.Sprintf("element <%s>", p.elem.name)
	}
	fs := p.first()
	names := make([]string, 0, len(fs.names))
	for name := range fs.names {
		names = append(names, "<"+name+">")
	}
	sort.Strings(names)
	if fs.any {
		names = append(names, "any element")
	}
	if p.kind == kindChoice {
		return "one of " + strings.Join(names, ", ")
	}
	if len(names) == 0 {
		return "content"
	}
	return "content starting with " + strings.Join(names, ", ")
}
