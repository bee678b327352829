// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package schema validates e-CF documents against the tax authority's XSDs.

The authority publishes one XSD per document type (ECF, RFCE, ANECF,
ACECF, ARECF). This package compiles the subset of XML Schema those files
use and reports every violation in a document rather than stopping at
the first one, each with the source line of the offending element.

# Supported XML Schema

  - Global and local element declarations, element references, xs:any
  - complexType with sequence, choice and all, minOccurs/maxOccurs
  - Named model groups and attribute groups
  - simpleContent and complexContent extension and restriction
  - Attributes with use="required" and fixed values
  - simpleType restriction, list and union
  - Facets: pattern, enumeration, length, minLength, maxLength,
    totalDigits, fractionDigits, min/max inclusive and exclusive
  - Builtin types including the integer family, decimal, date, dateTime,
    boolean, hexBinary and base64Binary

Elements are matched by local name. Patterns that cannot be expressed in
RE2 are skipped with a warning.

# Usage

	reg := schema.NewRegistry("/etc/ecf/xsd", logger)

	doc, err := xmlsec.Parse(raw)
	if err != nil {
	    return err
	}
	if err := reg.Validate(doc, "ECF"); err != nil {
	    var verr *schema.ValidationError
	    if errors.As(err, &verr) {
	        for _, v := range verr.Violations {
	            fmt.Println(v)
	        }
	    }
	}

# References

  - XML Schema Part 1: https://www.w3.org/TR/xmlschema-1/
  - XML Schema Part 2: https://www.w3.org/TR/xmlschema-2/
*/
package schema
