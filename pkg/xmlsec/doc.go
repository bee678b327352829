// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package xmlsec parses untrusted XML documents defensively.

Every document handed to the e-CF client passes through this package
before it is validated, signed or inspected. Limits are enforced by a
streaming pre-scan so that oversized or deeply nested payloads are
rejected before a full tree is built.

# Limits

  - Size: documents larger than [MaxDocumentSize] bytes are rejected
    before any byte is tokenized.
  - Depth: element nesting beyond [MaxDepth] levels is rejected.
  - DTDs: any <!DOCTYPE> or other markup declaration is rejected, which
    disables internal entity expansion and external entity resolution.
    Only the five predefined XML entities are recognized.

# Usage

	doc, err := xmlsec.Parse(raw)
	if err != nil {
	    var secErr *xmlsec.Error
	    if errors.As(err, &secErr) && errors.Is(err, xmlsec.ErrTooLarge) {
	        // reject with 413
	    }
	}
	root := doc.Root()
	line := doc.Line(root)

Custom limits can be applied with [NewParser]:

	p := xmlsec.NewParser(xmlsec.Limits{MaxBytes: 512 << 10, MaxDepth: 32})
	doc, err := p.Parse(raw)

# References

  - XML 1.0: https://www.w3.org/TR/xml/
  - OWASP XXE Prevention: https://cheatsheetseries.owasp.org/cheatsheets/XML_External_Entity_Prevention_Cheat_Sheet.html
*/
package xmlsec
