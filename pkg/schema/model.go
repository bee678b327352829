package schema

import (
	"math/big"
	"regexp"

	"github.com/beevik/etree"
)

const (
	xsNamespace  = "http://www.w3.org/2001/XMLSchema"
	xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"

	unbounded = -1
)

type particleKind int

const (
	kindElement particleKind = iota
	kindSequence
	kindChoice
	kindAll
	kindAny
)

// particle is a compiled content-model term with its occurrence bounds.
type particle struct {
	kind     particleKind
	elem     *elementDecl
	children []*particle
	min, max int
}

type elementDecl struct {
	name     string
	nillable bool
	anyType  bool
	complex  *complexType
	simple   *simpleType
}

type complexType struct {
	name     string
	mixed    bool
	content  *particle
	simple   *simpleType
	attrs    []*attributeDecl
	anyAttr  bool
}

type attributeDecl struct {
	name     string
	required bool
	fixed    *string
	simple   *simpleType
}

type simpleType struct {
	name    string
	builtin string
	base    *simpleType
	list    *simpleType
	union   []*simpleType
	facets  facets
}

type facets struct {
	patterns       []*regexp.Regexp
	patternSources []string
	enums          []string
	length         *int
	minLength      *int
	maxLength      *int
	totalDigits    *int
	fractionDigits *int
	minInclusive   *bound
	maxInclusive   *bound
	minExclusive   *bound
	maxExclusive   *bound
}

// bound is a range facet value. Numeric bounds compare as rationals,
// anything else (dates) compares lexically.
type bound struct {
	raw string
	num *big.Rat
}

// whitespace returns the whitespace handling inherited from the builtin
// at the root of the derivation chain.
func (st *simpleType) whitespace() string {
	for t := st; t != nil; t = t.base {
		if t.list != nil || t.union != nil {
			return "collapse"
		}
		if t.builtin != "" {
			switch t.builtin {
			case "string", "anySimpleType":
				return "preserve"
			case "normalizedString":
				return "replace"
			default:
				return "collapse"
			}
		}
	}
	return "preserve"
}

// firstSet is the set of element names that can start a particle.
type firstSet struct {
	names map[string]bool
	any   bool
}

func (p *particle) first() firstSet {
	fs := firstSet{names: map[string]bool{}}
	p.collectFirst(&fs)
	return fs
}

func (p *particle) collectFirst(fs *firstSet) {
	switch p.kind {
	case kindElement:
		fs.names[p.elem.name] = true
	case kindAny:
		fs.any = true
	case kindSequence:
		for _, c := range p.children {
			c.collectFirst(fs)
			if !c.emptiable() {
				return
			}
		}
	case kindChoice, kindAll:
		for _, c := range p.children {
			c.collectFirst(fs)
		}
	}
}

func (p *particle) accepts(children []*etree.Element, i int) bool {
	if i >= len(children) {
		return false
	}
	fs := p.first()
	return fs.any || fs.names[children[i].Tag]
}

func (p *particle) emptiable() bool {
	if p.min == 0 {
		return true
	}
	switch p.kind {
	case kindSequence, kindAll:
		for _, c := range p.children {
			if !c.emptiable() {
				return false
			}
		}
		return true
	case kindChoice:
		for _, c := range p.children {
			if c.emptiable() {
				return true
			}
		}
		return len(p.children) == 0
	}
	return false
}
