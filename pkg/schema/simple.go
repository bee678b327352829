package schema

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var knownBuiltins = map[string]bool{
	"anySimpleType": true, "string": true, "normalizedString": true, "token": true,
	"language": true, "Name": true, "NCName": true, "NMTOKEN": true, "NMTOKENS": true,
	"ID": true, "IDREF": true, "IDREFS": true, "ENTITY": true, "QName": true, "anyURI": true,
	"boolean": true, "decimal": true, "float": true, "double": true,
	"integer": true, "long": true, "int": true, "short": true, "byte": true,
	"nonNegativeInteger": true, "positiveInteger": true, "nonPositiveInteger": true, "negativeInteger": true,
	"unsignedLong": true, "unsignedInt": true, "unsignedShort": true, "unsignedByte": true,
	"date": true, "dateTime": true, "time": true, "duration": true,
	"gYear": true, "gYearMonth": true, "gMonth": true, "gMonthDay": true, "gDay": true,
	"base64Binary": true, "hexBinary": true,
}

var (
	decimalRe  = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)
	integerRe  = regexp.MustCompile(`^[+-]?\d+$`)
	dateRe     = regexp.MustCompile(`^(-?\d{4,})-(\d{2})-(\d{2})(Z|[+-]\d{2}:\d{2})?$`)
	dateTimeRe = regexp.MustCompile(`^(-?\d{4,}-\d{2}-\d{2})T(\d{2}:\d{2}:\d{2})(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
	timeRe     = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
	hexRe      = regexp.MustCompile(`^([0-9a-fA-F]{2})*$`)
	gYearRe    = regexp.MustCompile(`^-?\d{4,}(Z|[+-]\d{2}:\d{2})?$`)
	durationRe = regexp.MustCompile(`^-?P(\d+Y)?(\d+M)?(\d+D)?(T(\d+H)?(\d+M)?(\d+(\.\d+)?S)?)?$`)
)

type intRange struct {
	min, max *big.Int
}

func mustInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("schema: bad integer literal " + s)
	}
	return n
}

var integerRanges = map[string]intRange{
	"long":               {mustInt("-9223372036854775808"), mustInt("9223372036854775807")},
	"int":                {mustInt("-2147483648"), mustInt("2147483647")},
	"short":              {mustInt("-32768"), mustInt("32767")},
	"byte":               {mustInt("-128"), mustInt("127")},
	"unsignedLong":       {mustInt("0"), mustInt("18446744073709551615")},
	"unsignedInt":        {mustInt("0"), mustInt("4294967295")},
	"unsignedShort":      {mustInt("0"), mustInt("65535")},
	"unsignedByte":       {mustInt("0"), mustInt("255")},
	"nonNegativeInteger": {min: mustInt("0")},
	"positiveInteger":    {min: mustInt("1")},
	"nonPositiveInteger": {max: mustInt("0")},
	"negativeInteger":    {max: mustInt("-1")},
	"integer":            {},
}

func normalizeSpace(value, mode string) string {
	switch mode {
	case "replace":
		return strings.Map(func(r rune) rune {
			if r == '\t' || r == '\n' || r == '\r' {
				return ' '
			}
			return r
		}, value)
	case "collapse":
		return strings.Join(strings.Fields(value), " ")
	}
	return value
}

// checkSimple validates value against st and returns one message per
// violated constraint.
func checkSimple(st *simpleType, value string) []string {
	if st.builtin != "" {
		return checkBuiltin(st.builtin, normalizeSpace(value, st.whitespace()))
	}

	if st.union != nil {
		for _, member := range st.union {
			if len(checkSimple(member, value)) == 0 {
				return nil
			}
		}
		return []string{fmt.Sprintf("value %q does not match any member of union type%s", value, typeLabel(st))}
	}

	if st.list != nil {
		var msgs []string
		items := strings.Fields(value)
		for _, item := range items {
			msgs = append(msgs, checkSimple(st.list, item)...)
		}
		return msgs
	}

	if st.base != nil {
		if msgs := checkSimple(st.base, value); len(msgs) > 0 {
			return msgs
		}
	}

	v := normalizeSpace(value, st.whitespace())
	return checkFacets(st, v)
}

func typeLabel(st *simpleType) string {
	if st.name == "" {
		return ""
	}
	return " " + st.name
}

func checkFacets(st *simpleType, v string) []string {
	f := st.facets
	var msgs []string

	if len(f.patterns) > 0 {
		matched := false
		for _, re := range f.patterns {
			if re.MatchString(v) {
				matched = true
				break
			}
		}
		if !matched {
			msgs = append(msgs, fmt.Sprintf("value %q does not match pattern %q%s",
				v, strings.Join(f.patternSources, "|"), typeLabel(st)))
		}
	}

	if len(f.enums) > 0 {
		found := false
		for _, e := range f.enums {
			if e == v {
				found = true
				break
			}
		}
		if !found {
			msgs = append(msgs, fmt.Sprintf("value %q is not one of the allowed values [%s]%s",
				v, strings.Join(f.enums, ", "), typeLabel(st)))
		}
	}

	n := utf8.RuneCountInString(v)
	if f.length != nil && n != *f.length {
		msgs = append(msgs, fmt.Sprintf("value %q has length %d, expected %d", v, n, *f.length))
	}
	if f.minLength != nil && n < *f.minLength {
		msgs = append(msgs, fmt.Sprintf("value %q is shorter than minimum length %d", v, *f.minLength))
	}
	if f.maxLength != nil && n > *f.maxLength {
		msgs = append(msgs, fmt.Sprintf("value %q is longer than maximum length %d", v, *f.maxLength))
	}

	if f.totalDigits != nil || f.fractionDigits != nil {
		total, fraction, ok := digits(v)
		if ok {
			if f.totalDigits != nil && total > *f.totalDigits {
				msgs = append(msgs, fmt.Sprintf("value %q has %d digits, maximum %d", v, total, *f.totalDigits))
			}
			if f.fractionDigits != nil && fraction > *f.fractionDigits {
				msgs = append(msgs, fmt.Sprintf("value %q has %d fraction digits, maximum %d", v, fraction, *f.fractionDigits))
			}
		}
	}

	if f.minInclusive != nil && compareBound(v, f.minInclusive) < 0 {
		msgs = append(msgs, fmt.Sprintf("value %q is less than minimum %s", v, f.minInclusive.raw))
	}
	if f.maxInclusive != nil && compareBound(v, f.maxInclusive) > 0 {
		msgs = append(msgs, fmt.Sprintf("value %q is greater than maximum %s", v, f.maxInclusive.raw))
	}
	if f.minExclusive != nil && compareBound(v, f.minExclusive) <= 0 {
		msgs = append(msgs, fmt.Sprintf("value %q must be greater than %s", v, f.minExclusive.raw))
	}
	if f.maxExclusive != nil && compareBound(v, f.maxExclusive) >= 0 {
		msgs = append(msgs, fmt.Sprintf("value %q must be less than %s", v, f.maxExclusive.raw))
	}

	return msgs
}

// digits counts significant digits of a decimal lexical value, ignoring
// leading integer zeros and trailing fraction zeros.
func digits(v string) (total, fraction int, ok bool) {
	if !decimalRe.MatchString(v) {
		return 0, 0, false
	}
	v = strings.TrimLeft(v, "+-")
	intPart, fracPart, _ := strings.Cut(v, ".")
	intPart = strings.TrimLeft(intPart, "0")
	fracPart = strings.TrimRight(fracPart, "0")
	return len(intPart) + len(fracPart), len(fracPart), true
}

func compareBound(v string, b *bound) int {
	if b.num != nil && decimalRe.MatchString(v) {
		if r, ok := new(big.Rat).SetString(v); ok {
			return r.Cmp(b.num)
		}
	}
	return strings.Compare(v, b.raw)
}

func checkBuiltin(name, v string) []string {
	invalid := func() []string {
		return []string{fmt.Sprintf("value %q is not a valid %s", v, name)}
	}

	switch name {
	case "boolean":
		switch v {
		case "true", "false", "1", "0":
			return nil
		}
		return invalid()
	case "decimal":
		if !decimalRe.MatchString(v) {
			return invalid()
		}
	case "float", "double":
		switch v {
		case "INF", "-INF", "+INF", "NaN":
			return nil
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return invalid()
		}
	case "date":
		m := dateRe.FindStringSubmatch(v)
		if m == nil {
			return invalid()
		}
		if len(m[1]) == 4 {
			if _, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3]); err != nil {
				return invalid()
			}
		}
	case "dateTime":
		m := dateTimeRe.FindStringSubmatch(v)
		if m == nil {
			return invalid()
		}
		if !strings.HasPrefix(m[1], "-") && len(m[1]) == 10 {
			if _, err := time.Parse("2006-01-02T15:04:05", m[1]+"T"+m[2]); err != nil {
				return invalid()
			}
		}
	case "time":
		if !timeRe.MatchString(v) {
			return invalid()
		}
	case "gYear":
		if !gYearRe.MatchString(v) {
			return invalid()
		}
	case "duration":
		if !durationRe.MatchString(v) || v == "P" || strings.HasSuffix(v, "T") {
			return invalid()
		}
	case "hexBinary":
		if !hexRe.MatchString(v) {
			return invalid()
		}
	case "base64Binary":
		if _, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(v, " ", "")); err != nil {
			return invalid()
		}
	default:
		if r, ok := integerRanges[name]; ok {
			if !integerRe.MatchString(v) {
				return invalid()
			}
			n, _ := new(big.Int).SetString(strings.TrimPrefix(v, "+"), 10)
			if (r.min != nil && n.Cmp(r.min) < 0) || (r.max != nil && n.Cmp(r.max) > 0) {
				return []string{fmt.Sprintf("value %q is out of range for %s", v, name)}
			}
		}
	}
	return nil
}
