package ecf

import (
	"errors"
	"fmt"
	"strings"
)

// DocumentType identifies an electronic tax document kind.
type DocumentType string

// Document types accepted by the authority
const (
	TypeECF   DocumentType = "ECF"   // electronic invoice
	TypeRFCE  DocumentType = "RFCE"  // consumer invoice summary
	TypeANECF DocumentType = "ANECF" // sequence cancellation
	TypeACECF DocumentType = "ACECF" // commercial approval
	TypeARECF DocumentType = "ARECF" // receipt acknowledgement
)

// DocumentTypes lists every supported type.
var DocumentTypes = []DocumentType{TypeECF, TypeRFCE, TypeANECF, TypeACECF, TypeARECF}

// ErrUnknownDocumentType is returned for unsupported document types
var ErrUnknownDocumentType = errors.New("unknown document type")

// ParseDocumentType matches s case-insensitively against the known types.
func ParseDocumentType(s string) (DocumentType, error) {
	for _, t := range DocumentTypes {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDocumentType, s)
}

// SchemaID is the XSD the document type validates against.
func (t DocumentType) SchemaID() string {
	return string(t)
}

// State is a submission's position in its lifecycle.
type State int

const (
	StateBuilt State = iota
	StateValidated
	StateSigned
	StateAuthenticated
	StateSubmitted
	StateAccepted
	StateRejected
	StateTransportFailed
)

var stateNames = map[State]string{
	StateBuilt:           "built",
	StateValidated:       "validated",
	StateSigned:          "signed",
	StateAuthenticated:   "authenticated",
	StateSubmitted:       "submitted",
	StateAccepted:        "accepted",
	StateRejected:        "rejected",
	StateTransportFailed: "transport_failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateTransportFailed
}

// Stages at which a submission can fail
const (
	StageParse        = "parse"
	StageValidate     = "validate"
	StageSign         = "sign"
	StageAuthenticate = "authenticate"
	StageIdempotency  = "idempotency"
	StageSubmit       = "submit"
	StageNormalize    = "normalize"
)

// SubmissionError is a terminal submission failure. It unwraps to the
// underlying cause.
type SubmissionError struct {
	DocumentType DocumentType
	State        State
	Stage        string
	Err          error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %s (%s): %v", e.DocumentType, e.Stage, e.State, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Endpoints are the authority's service base URLs for one environment.
type Endpoints struct {
	Auth        string `yaml:"auth" validate:"required,url"`
	Recepcion   string `yaml:"recepcion" validate:"required,url"`
	RecepcionFC string `yaml:"recepcionFC" validate:"required,url"`
	Directorio  string `yaml:"directorio" validate:"required,url"`
}

func (e Endpoints) trimmed() Endpoints {
	return Endpoints{
		Auth:        strings.TrimRight(e.Auth, "/"),
		Recepcion:   strings.TrimRight(e.Recepcion, "/"),
		RecepcionFC: strings.TrimRight(e.RecepcionFC, "/"),
		Directorio:  strings.TrimRight(e.Directorio, "/"),
	}
}

// SubmissionURL returns the reception endpoint for t. Consumer invoice
// summaries go to the dedicated reception service.
func (e Endpoints) SubmissionURL(t DocumentType) string {
	e = e.trimmed()
	if t == TypeRFCE {
		return e.RecepcionFC + "/rfce"
	}
	return e.Recepcion + "/" + strings.ToLower(string(t))
}
