package schema

import (
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// compiler turns an XSD document into the validation model. Named
// components are compiled on first use and memoized, so forward and
// recursive references resolve to the same pointer.
type compiler struct {
	logger   *slog.Logger
	prefixes map[string]bool

	rawElements   map[string]*etree.Element
	rawComplex    map[string]*etree.Element
	rawSimple     map[string]*etree.Element
	rawGroups     map[string]*etree.Element
	rawAttrGroups map[string]*etree.Element

	elements   map[string]*elementDecl
	complex    map[string]*complexType
	simple     map[string]*simpleType
	builtins   map[string]*simpleType
	groups     map[string]*particle
	attrGroups map[string][]*attributeDecl
}

func compile(doc *etree.Document, logger *slog.Logger) (*Schema, error) {
	root := doc.Root()
	if root == nil || root.Tag != "schema" {
		return nil, fmt.Errorf("root element is not xs:schema")
	}

	c := &compiler{
		logger:        logger,
		prefixes:      map[string]bool{},
		rawElements:   map[string]*etree.Element{},
		rawComplex:    map[string]*etree.Element{},
		rawSimple:     map[string]*etree.Element{},
		rawGroups:     map[string]*etree.Element{},
		rawAttrGroups: map[string]*etree.Element{},
		elements:      map[string]*elementDecl{},
		complex:       map[string]*complexType{},
		simple:        map[string]*simpleType{},
		builtins:      map[string]*simpleType{},
		groups:        map[string]*particle{},
		attrGroups:    map[string][]*attributeDecl{},
	}

	for _, a := range root.Attr {
		if a.Value != xsNamespace {
			continue
		}
		switch {
		case a.Space == "xmlns":
			c.prefixes[a.Key] = true
		case a.Space == "" && a.Key == "xmlns":
			c.prefixes[""] = true
		}
	}

	for _, child := range root.ChildElements() {
		name := child.SelectAttrValue("name", "")
		switch child.Tag {
		case "element":
			c.rawElements[name] = child
		case "complexType":
			c.rawComplex[name] = child
		case "simpleType":
			c.rawSimple[name] = child
		case "group":
			c.rawGroups[name] = child
		case "attributeGroup":
			c.rawAttrGroups[name] = child
		case "include", "import", "redefine":
			logger.Warn("schema directive not supported, ignoring", "directive", child.Tag,
				"location", child.SelectAttrValue("schemaLocation", ""))
		}
	}

	s := &Schema{elements: map[string]*elementDecl{}}
	for name := range c.rawElements {
		decl, err := c.globalElement(name)
		if err != nil {
			return nil, err
		}
		s.elements[name] = decl
	}
	// Unreferenced named types still have to be well-formed.
	for name := range c.rawComplex {
		if _, err := c.complexType(name); err != nil {
			return nil, err
		}
	}
	for name := range c.rawSimple {
		if _, err := c.simpleType(name); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func splitQName(qname string) (string, string) {
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		return qname[:i], qname[i+1:]
	}
	return "", qname
}

func (c *compiler) isXS(qname string) (string, bool) {
	prefix, local := splitQName(qname)
	return local, c.prefixes[prefix]
}

func occurs(el *etree.Element) (int, int, error) {
	min, max := 1, 1
	if v := el.SelectAttrValue("minOccurs", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid minOccurs %q", v)
		}
		min = n
	}
	if v := el.SelectAttrValue("maxOccurs", ""); v != "" {
		if v == "unbounded" {
			max = unbounded
		} else {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return 0, 0, fmt.Errorf("invalid maxOccurs %q", v)
			}
			max = n
		}
	}
	return min, max, nil
}

func (c *compiler) globalElement(name string) (*elementDecl, error) {
	if decl, ok := c.elements[name]; ok {
		return decl, nil
	}
	raw, ok := c.rawElements[name]
	if !ok {
		return nil, fmt.Errorf("unknown element reference %q", name)
	}
	decl := &elementDecl{name: name}
	c.elements[name] = decl
	if err := c.fillElement(decl, raw); err != nil {
		return nil, fmt.Errorf("element %q: %w", name, err)
	}
	return decl, nil
}

func (c *compiler) localElement(el *etree.Element) (*elementDecl, error) {
	if ref := el.SelectAttrValue("ref", ""); ref != "" {
		_, local := splitQName(ref)
		return c.globalElement(local)
	}
	name := el.SelectAttrValue("name", "")
	if name == "" {
		return nil, fmt.Errorf("element without name or ref")
	}
	decl := &elementDecl{name: name}
	if err := c.fillElement(decl, el); err != nil {
		return nil, fmt.Errorf("element %q: %w", name, err)
	}
	return decl, nil
}

func (c *compiler) fillElement(decl *elementDecl, el *etree.Element) error {
	decl.nillable = el.SelectAttrValue("nillable", "") == "true"

	if typeName := el.SelectAttrValue("type", ""); typeName != "" {
		if local, ok := c.isXS(typeName); ok && local == "anyType" {
			decl.anyType = true
			return nil
		}
		ct, st, err := c.resolveType(typeName)
		if err != nil {
			return err
		}
		decl.complex, decl.simple = ct, st
		return nil
	}

	if ct := el.SelectElement("complexType"); ct != nil {
		compiled, err := c.compileComplex(&complexType{}, ct)
		if err != nil {
			return err
		}
		decl.complex = compiled
		return nil
	}
	if st := el.SelectElement("simpleType"); st != nil {
		compiled, err := c.compileSimple(&simpleType{}, st)
		if err != nil {
			return err
		}
		decl.simple = compiled
		return nil
	}

	decl.anyType = true
	return nil
}

func (c *compiler) resolveType(qname string) (*complexType, *simpleType, error) {
	if local, ok := c.isXS(qname); ok {
		st, err := c.builtin(local)
		return nil, st, err
	}
	_, local := splitQName(qname)
	if _, ok := c.rawComplex[local]; ok {
		ct, err := c.complexType(local)
		return ct, nil, err
	}
	if _, ok := c.rawSimple[local]; ok {
		st, err := c.simpleType(local)
		return nil, st, err
	}
	return nil, nil, fmt.Errorf("unknown type %q", qname)
}

func (c *compiler) builtin(local string) (*simpleType, error) {
	if !knownBuiltins[local] {
		return nil, fmt.Errorf("unsupported builtin type xs:%s", local)
	}
	if st, ok := c.builtins[local]; ok {
		return st, nil
	}
	st := &simpleType{name: local, builtin: local}
	c.builtins[local] = st
	return st, nil
}

func (c *compiler) simpleRef(qname string) (*simpleType, error) {
	ct, st, err := c.resolveType(qname)
	if err != nil {
		return nil, err
	}
	if ct != nil {
		if ct.simple == nil {
			return nil, fmt.Errorf("type %q is not a simple type", qname)
		}
		return ct.simple, nil
	}
	return st, nil
}

func (c *compiler) complexType(name string) (*complexType, error) {
	if ct, ok := c.complex[name]; ok {
		return ct, nil
	}
	raw, ok := c.rawComplex[name]
	if !ok {
		return nil, fmt.Errorf("unknown complexType %q", name)
	}
	ct := &complexType{name: name}
	c.complex[name] = ct
	if _, err := c.compileComplex(ct, raw); err != nil {
		return nil, fmt.Errorf("complexType %q: %w", name, err)
	}
	return ct, nil
}

func (c *compiler) simpleType(name string) (*simpleType, error) {
	if st, ok := c.simple[name]; ok {
		return st, nil
	}
	raw, ok := c.rawSimple[name]
	if !ok {
		return nil, fmt.Errorf("unknown simpleType %q", name)
	}
	st := &simpleType{name: name}
	c.simple[name] = st
	if _, err := c.compileSimple(st, raw); err != nil {
		return nil, fmt.Errorf("simpleType %q: %w", name, err)
	}
	return st, nil
}

func (c *compiler) compileComplex(ct *complexType, el *etree.Element) (*complexType, error) {
	ct.mixed = el.SelectAttrValue("mixed", "") == "true"

	for _, child := range el.ChildElements() {
		switch child.Tag {
		case "sequence", "choice", "all", "group":
			p, err := c.particle(child)
			if err != nil {
				return nil, err
			}
			ct.content = p
		case "attribute", "attributeGroup", "anyAttribute":
			if err := c.attributeUse(ct, child); err != nil {
				return nil, err
			}
		case "simpleContent":
			if err := c.simpleContent(ct, child); err != nil {
				return nil, err
			}
		case "complexContent":
			if err := c.complexContent(ct, child); err != nil {
				return nil, err
			}
		}
	}
	return ct, nil
}

func (c *compiler) simpleContent(ct *complexType, el *etree.Element) error {
	deriv := firstDerivation(el)
	if deriv == nil {
		return fmt.Errorf("simpleContent without extension or restriction")
	}
	base, err := c.simpleRef(deriv.SelectAttrValue("base", ""))
	if err != nil {
		return err
	}
	if _, local := splitQName(deriv.SelectAttrValue("base", "")); c.rawComplex[local] != nil {
		if baseCT, err := c.complexType(local); err == nil {
			ct.attrs = append(ct.attrs, baseCT.attrs...)
			ct.anyAttr = ct.anyAttr || baseCT.anyAttr
		}
	}

	if deriv.Tag == "restriction" {
		st := &simpleType{base: base}
		if err := c.collectFacets(st, deriv); err != nil {
			return err
		}
		ct.simple = st
	} else {
		ct.simple = base
	}

	for _, child := range deriv.ChildElements() {
		switch child.Tag {
		case "attribute", "attributeGroup", "anyAttribute":
			if err := c.attributeUse(ct, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *compiler) complexContent(ct *complexType, el *etree.Element) error {
	deriv := firstDerivation(el)
	if deriv == nil {
		return fmt.Errorf("complexContent without extension or restriction")
	}
	if el.SelectAttrValue("mixed", "") == "true" {
		ct.mixed = true
	}

	baseName := deriv.SelectAttrValue("base", "")
	var base *complexType
	if local, ok := c.isXS(baseName); !ok || local != "anyType" {
		_, local := splitQName(baseName)
		b, err := c.complexType(local)
		if err != nil {
			return err
		}
		base = b
	}

	var own *particle
	for _, child := range deriv.ChildElements() {
		switch child.Tag {
		case "sequence", "choice", "all", "group":
			p, err := c.particle(child)
			if err != nil {
				return err
			}
			own = p
		case "attribute", "attributeGroup", "anyAttribute":
			if err := c.attributeUse(ct, child); err != nil {
				return err
			}
		}
	}

	if base != nil {
		ct.attrs = append(append([]*attributeDecl{}, base.attrs...), ct.attrs...)
		ct.anyAttr = ct.anyAttr || base.anyAttr
		ct.mixed = ct.mixed || base.mixed
	}

	switch {
	case deriv.Tag == "restriction" || base == nil || base.content == nil:
		ct.content = own
	case own == nil:
		ct.content = base.content
	default:
		ct.content = &particle{kind: kindSequence, min: 1, max: 1, children: []*particle{base.content, own}}
	}
	return nil
}

func firstDerivation(el *etree.Element) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == "extension" || child.Tag == "restriction" {
			return child
		}
	}
	return nil
}

func (c *compiler) particle(el *etree.Element) (*particle, error) {
	min, max, err := occurs(el)
	if err != nil {
		return nil, err
	}

	switch el.Tag {
	case "element":
		decl, err := c.localElement(el)
		if err != nil {
			return nil, err
		}
		return &particle{kind: kindElement, elem: decl, min: min, max: max}, nil
	case "any":
		return &particle{kind: kindAny, min: min, max: max}, nil
	case "group":
		_, local := splitQName(el.SelectAttrValue("ref", ""))
		g, err := c.group(local)
		if err != nil {
			return nil, err
		}
		return &particle{kind: g.kind, children: g.children, min: min, max: max}, nil
	case "sequence", "choice", "all":
		p := &particle{min: min, max: max}
		switch el.Tag {
		case "sequence":
			p.kind = kindSequence
		case "choice":
			p.kind = kindChoice
		default:
			p.kind = kindAll
		}
		for _, child := range el.ChildElements() {
			if child.Tag == "annotation" {
				continue
			}
			cp, err := c.particle(child)
			if err != nil {
				return nil, err
			}
			p.children = append(p.children, cp)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unsupported particle xs:%s", el.Tag)
}

func (c *compiler) group(name string) (*particle, error) {
	if g, ok := c.groups[name]; ok {
		return g, nil
	}
	raw, ok := c.rawGroups[name]
	if !ok {
		return nil, fmt.Errorf("unknown group %q", name)
	}
	for _, child := range raw.ChildElements() {
		if child.Tag == "sequence" || child.Tag == "choice" || child.Tag == "all" {
			p, err := c.particle(child)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", name, err)
			}
			c.groups[name] = p
			return p, nil
		}
	}
	return nil, fmt.Errorf("group %q has no model group", name)
}

func (c *compiler) attributeUse(ct *complexType, el *etree.Element) error {
	switch el.Tag {
	case "anyAttribute":
		ct.anyAttr = true
	case "attributeGroup":
		_, local := splitQName(el.SelectAttrValue("ref", ""))
		attrs, err := c.attributeGroup(local)
		if err != nil {
			return err
		}
		ct.attrs = append(ct.attrs, attrs...)
	case "attribute":
		a, err := c.attribute(el)
		if err != nil {
			return err
		}
		if a != nil {
			ct.attrs = append(ct.attrs, a)
		}
	}
	return nil
}

func (c *compiler) attributeGroup(name string) ([]*attributeDecl, error) {
	if attrs, ok := c.attrGroups[name]; ok {
		return attrs, nil
	}
	raw, ok := c.rawAttrGroups[name]
	if !ok {
		return nil, fmt.Errorf("unknown attributeGroup %q", name)
	}
	holder := &complexType{}
	for _, child := range raw.ChildElements() {
		if err := c.attributeUse(holder, child); err != nil {
			return nil, fmt.Errorf("attributeGroup %q: %w", name, err)
		}
	}
	c.attrGroups[name] = holder.attrs
	return holder.attrs, nil
}

func (c *compiler) attribute(el *etree.Element) (*attributeDecl, error) {
	use := el.SelectAttrValue("use", "optional")
	if use == "prohibited" {
		return nil, nil
	}
	name := el.SelectAttrValue("name", "")
	if name == "" {
		_, name = splitQName(el.SelectAttrValue("ref", ""))
	}
	a := &attributeDecl{name: name, required: use == "required"}
	if fixed := el.SelectAttr("fixed"); fixed != nil {
		v := fixed.Value
		a.fixed = &v
	}

	if typeName := el.SelectAttrValue("type", ""); typeName != "" {
		st, err := c.simpleRef(typeName)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		a.simple = st
	} else if inline := el.SelectElement("simpleType"); inline != nil {
		st, err := c.compileSimple(&simpleType{}, inline)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		a.simple = st
	}
	return a, nil
}

func (c *compiler) compileSimple(st *simpleType, el *etree.Element) (*simpleType, error) {
	for _, child := range el.ChildElements() {
		switch child.Tag {
		case "restriction":
			if baseName := child.SelectAttrValue("base", ""); baseName != "" {
				base, err := c.simpleRef(baseName)
				if err != nil {
					return nil, err
				}
				st.base = base
			} else if inline := child.SelectElement("simpleType"); inline != nil {
				base, err := c.compileSimple(&simpleType{}, inline)
				if err != nil {
					return nil, err
				}
				st.base = base
			} else {
				return nil, fmt.Errorf("restriction without base")
			}
			if err := c.collectFacets(st, child); err != nil {
				return nil, err
			}
			return st, nil
		case "list":
			var item *simpleType
			var err error
			if itemType := child.SelectAttrValue("itemType", ""); itemType != "" {
				item, err = c.simpleRef(itemType)
			} else if inline := child.SelectElement("simpleType"); inline != nil {
				item, err = c.compileSimple(&simpleType{}, inline)
			} else {
				err = fmt.Errorf("list without item type")
			}
			if err != nil {
				return nil, err
			}
			st.list = item
			return st, nil
		case "union":
			for _, member := range strings.Fields(child.SelectAttrValue("memberTypes", "")) {
				m, err := c.simpleRef(member)
				if err != nil {
					return nil, err
				}
				st.union = append(st.union, m)
			}
			for _, inline := range child.SelectElements("simpleType") {
				m, err := c.compileSimple(&simpleType{}, inline)
				if err != nil {
					return nil, err
				}
				st.union = append(st.union, m)
			}
			return st, nil
		}
	}
	return nil, fmt.Errorf("simpleType without restriction, list or union")
}

func (c *compiler) collectFacets(st *simpleType, restriction *etree.Element) error {
	f := &st.facets
	for _, facet := range restriction.ChildElements() {
		value := facet.SelectAttrValue("value", "")
		var err error
		switch facet.Tag {
		case "pattern":
			re, compileErr := regexp.Compile("^(?:" + value + ")$")
			if compileErr != nil {
				c.logger.Warn("skipping pattern facet not supported by RE2",
					"type", st.name, "pattern", value, "error", compileErr)
				continue
			}
			f.patterns = append(f.patterns, re)
			f.patternSources = append(f.patternSources, value)
		case "enumeration":
			f.enums = append(f.enums, value)
		case "length":
			f.length, err = intFacet(value)
		case "minLength":
			f.minLength, err = intFacet(value)
		case "maxLength":
			f.maxLength, err = intFacet(value)
		case "totalDigits":
			f.totalDigits, err = intFacet(value)
		case "fractionDigits":
			f.fractionDigits, err = intFacet(value)
		case "minInclusive":
			f.minInclusive = newBound(value)
		case "maxInclusive":
			f.maxInclusive = newBound(value)
		case "minExclusive":
			f.minExclusive = newBound(value)
		case "maxExclusive":
			f.maxExclusive = newBound(value)
		}
		if err != nil {
			return fmt.Errorf("facet %s: %w", facet.Tag, err)
		}
	}
	return nil
}

func intFacet(value string) (*int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid value %q", value)
	}
	return &n, nil
}

func newBound(value string) *bound {
	value = strings.TrimSpace(value)
	b := &bound{raw: value}
	if decimalRe.MatchString(value) {
		if r, ok := new(big.Rat).SetString(value); ok {
			b.num = r
		}
	}
	return b
}
