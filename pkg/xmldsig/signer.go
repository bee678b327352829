package xmldsig

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/leifj/signedxml"

	"github.com/sirosfoundation/go-ecf/pkg/xmlsec"
)

// Algorithm identifiers used in the signature
const (
	NamespaceDSig         = "http://www.w3.org/2000/09/xmldsig#"
	AlgorithmRSASHA256    = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmSHA256       = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmC14N         = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgorithmEnvelopedSig = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("signature verification failed")

// SigningError reports a failure to load a credential or sign a document.
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing: %s: %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// Signer produces enveloped signatures with a loaded credential.
type Signer struct {
	cred *Credential
	now  func() time.Time
}

// NewSigner creates a signer for cred
func NewSigner(cred *Credential) *Signer {
	return &Signer{cred: cred, now: time.Now}
}

// WithClock overrides the clock used for certificate validity checks.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Certificate returns the signing certificate.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cred.Certificate
}

// Sign parses doc defensively and appends an enveloped signature over the
// whole document as the last child of the root element.
func (s *Signer) Sign(doc []byte) ([]byte, error) {
	if err := s.cred.CheckValidity(s.now()); err != nil {
		return nil, err
	}

	parsed, err := xmlsec.Parse(doc)
	if err != nil {
		return nil, &SigningError{Op: "parse document", Err: err}
	}

	root := parsed.Root()
	sig := root.CreateElement("Signature")
	sig.CreateAttr("xmlns", NamespaceDSig)

	signedInfo := sig.CreateElement("SignedInfo")
	signedInfo.CreateElement("CanonicalizationMethod").CreateAttr("Algorithm", AlgorithmC14N)
	signedInfo.CreateElement("SignatureMethod").CreateAttr("Algorithm", AlgorithmRSASHA256)

	ref := signedInfo.CreateElement("Reference")
	ref.CreateAttr("URI", "")
	transforms := ref.CreateElement("Transforms")
	transforms.CreateElement("Transform").CreateAttr("Algorithm", AlgorithmEnvelopedSig)
	transforms.CreateElement("Transform").CreateAttr("Algorithm", AlgorithmC14N)
	ref.CreateElement("DigestMethod").CreateAttr("Algorithm", AlgorithmSHA256)
	ref.CreateElement("DigestValue")

	sig.CreateElement("SignatureValue")

	x509Data := sig.CreateElement("KeyInfo").CreateElement("X509Data")
	x509Data.CreateElement("X509Certificate").SetText(base64.StdEncoding.EncodeToString(s.cred.Certificate.Raw))

	xmlStr, err := parsed.Tree.WriteToString()
	if err != nil {
		return nil, &SigningError{Op: "serialize document", Err: err}
	}

	signer, err := signedxml.NewSigner(xmlStr)
	if err != nil {
		return nil, &SigningError{Op: "create signer", Err: err}
	}

	signed, err := signer.Sign(s.cred.PrivateKey)
	if err != nil {
		return nil, &SigningError{Op: "sign", Err: err}
	}
	return []byte(signed), nil
}

// BundleSigner loads its PKCS#12 bundle on every call, so the private key
// is held only for the duration of one signing operation.
type BundleSigner struct {
	Path     string
	Password string
}

// Sign loads the bundle and signs doc.
func (b BundleSigner) Sign(doc []byte) ([]byte, error) {
	return Sign(doc, b.Path, b.Password)
}

// Sign signs doc with the credential in the PKCS#12 bundle at bundlePath.
func Sign(doc []byte, bundlePath, password string) ([]byte, error) {
	cred, err := LoadPKCS12(bundlePath, password)
	if err != nil {
		return nil, err
	}
	return NewSigner(cred).Sign(doc)
}

// Verify checks the enveloped signature on signed against cert.
func Verify(signed []byte, cert *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("%w: certificate is required", ErrInvalidSignature)
	}

	validator, err := signedxml.NewValidator(string(signed))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	validator.Certificates = append(validator.Certificates, *cert)

	if _, err := validator.ValidateReferences(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
