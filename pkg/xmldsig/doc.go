// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package xmldsig produces and checks enveloped XML signatures over e-CF
documents.

A signature covers the whole document (Reference URI="") using RSA-SHA256,
a SHA-256 digest and inclusive canonicalization. The enveloped-signature
transform is applied before canonicalization, and the signing certificate
is embedded in KeyInfo/X509Data. The Signature element is appended as the
last child of the document root.

Credentials are loaded from password-protected PKCS#12 bundles. Loading
fails with a *SigningError wrapping ErrWrongPassword, ErrBundleUnreadable
or ErrCertificateExpired as appropriate.

# Usage

	signed, err := xmldsig.Sign(doc, "/etc/ecf/cert.p12", password)
	if err != nil {
	    return err
	}

	if err := xmldsig.Verify(signed, cert); err != nil {
	    // err wraps ErrInvalidSignature
	}

# References

  - XML Signature Syntax and Processing: https://www.w3.org/TR/xmldsig-core1/
  - Canonical XML 1.0: https://www.w3.org/TR/xml-c14n
*/
package xmldsig
