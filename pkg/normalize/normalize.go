package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-ecf/pkg/xmlsec"
)

// ErrBadUpstreamResponse classifies replies that cannot be normalized
var ErrBadUpstreamResponse = errors.New("bad upstream response")

// BadUpstreamResponseError reports a reply that lacks a required field or
// cannot be decoded.
type BadUpstreamResponseError struct {
	Field string
	Err   error
}

func (e *BadUpstreamResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bad upstream response: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("bad upstream response: missing %s", e.Field)
}

func (e *BadUpstreamResponseError) Unwrap() error {
	return e.Err
}

func (e *BadUpstreamResponseError) Is(target error) bool {
	return target == ErrBadUpstreamResponse
}

// Message is one note attached to a result by the authority.
type Message struct {
	Code  string `json:"code,omitempty"`
	Value string `json:"value"`
}

// Result is the normalized reply to a submission or query.
type Result struct {
	TrackID     string    `json:"trackId,omitempty"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
}

// Fields lists JSONPath expressions tried in order for each field.
// QueryStatus, when set, replaces Status for status and result queries.
type Fields struct {
	TrackID     []string
	Status      []string
	QueryStatus []string
	Description []string
	Messages    []string
}

// DefaultFields returns the spellings observed in authority replies.
func DefaultFields() Fields {
	return Fields{
		TrackID:     []string{"$.track_id", "$.trackId", "$.track", "$.TrackId", "$.trackID", "$.trackid"},
		Status:      []string{"$.status", "$.estado", "$.respuesta", "$.Status", "$.Estado"},
		QueryStatus: []string{"$.estado", "$.status", "$.Estado", "$.Status"},
		Description: []string{"$.descripcion", "$.detalle", "$.message", "$.Descripcion"},
		Messages:    []string{"$.mensajes", "$.mensajes_detalle", "$.messages", "$.Mensajes"},
	}
}

var (
	messageCodeKeys  = []string{"codigo", "code", "Codigo", "Code"}
	messageValueKeys = []string{"valor", "value", "mensaje", "message", "Valor", "Mensaje"}
)

// Normalizer maps authority replies onto Result.
type Normalizer struct {
	fields Fields
}

// New creates a normalizer using DefaultFields.
func New() *Normalizer {
	return NewWithFields(DefaultFields())
}

// NewWithFields creates a normalizer with custom fallback lists.
func NewWithFields(fields Fields) *Normalizer {
	return &Normalizer{fields: fields}
}

// Normalize decodes a submission reply. Track id and status are required.
func (n *Normalizer) Normalize(contentType string, body []byte) (*Result, error) {
	return n.normalize(contentType, body, true)
}

// NormalizeStatus decodes a status or result query reply, where the track
// id may be absent.
func (n *Normalizer) NormalizeStatus(contentType string, body []byte) (*Result, error) {
	return n.normalize(contentType, body, false)
}

func (n *Normalizer) normalize(contentType string, body []byte, requireTrack bool) (*Result, error) {
	payload, err := Decode(contentType, body)
	if err != nil {
		return nil, err
	}

	status := n.fields.Status
	if !requireTrack && len(n.fields.QueryStatus) > 0 {
		status = n.fields.QueryStatus
	}
	res := &Result{
		TrackID:     firstScalar(payload, n.fields.TrackID),
		Status:      firstScalar(payload, status),
		Description: firstScalar(payload, n.fields.Description),
	}
	if requireTrack && res.TrackID == "" {
		return nil, &BadUpstreamResponseError{Field: "track id"}
	}
	if res.Status == "" {
		return nil, &BadUpstreamResponseError{Field: "status"}
	}

	for _, p := range n.fields.Messages {
		v, ok := first(payload, []string{p})
		if !ok {
			continue
		}
		if msgs := messages(v); len(msgs) > 0 {
			res.Messages = msgs
			break
		}
	}
	return res, nil
}

// Decode parses an XML or JSON reply into a generic tree. XML elements
// become map keys by local name and repeated siblings become lists.
func Decode(contentType string, body []byte) (map[string]interface{}, error) {
	if isXML(contentType, body) {
		return decodeXML(body)
	}
	return decodeJSON(body)
}

func isXML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "xml"):
		return true
	case strings.Contains(ct, "json"):
		return false
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func decodeJSON(body []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, &BadUpstreamResponseError{Field: "body", Err: err}
	}
	if payload == nil {
		return nil, &BadUpstreamResponseError{Field: "body", Err: errors.New("empty JSON document")}
	}
	return payload, nil
}

func decodeXML(body []byte) (map[string]interface{}, error) {
	doc, err := xmlsec.Parse(body)
	if err != nil {
		return nil, &BadUpstreamResponseError{Field: "body", Err: err}
	}
	if m, ok := elementValue(doc.Root()).(map[string]interface{}); ok {
		return m, nil
	}
	return map[string]interface{}{}, nil
}

func elementValue(el *etree.Element) interface{} {
	children := el.ChildElements()
	if len(children) == 0 {
		return strings.TrimSpace(el.Text())
	}

	m := make(map[string]interface{}, len(children))
	for _, child := range children {
		v := elementValue(child)
		switch prev := m[child.Tag].(type) {
		case nil:
			m[child.Tag] = v
		case []interface{}:
			m[child.Tag] = append(prev, v)
		default:
			m[child.Tag] = []interface{}{prev, v}
		}
	}
	return m
}

func first(payload map[string]interface{}, paths []string) (interface{}, bool) {
	for _, p := range paths {
		v, err := jsonpath.Get(p, payload)
		if err != nil || v == nil {
			continue
		}
		return v, true
	}
	return nil, false
}

func firstScalar(payload map[string]interface{}, paths []string) string {
	for _, p := range paths {
		v, err := jsonpath.Get(p, payload)
		if err != nil {
			continue
		}
		if s := scalar(v); s != "" {
			return s
		}
	}
	return ""
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return fmt.Sprint(t)
	case float64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

func messages(v interface{}) []Message {
	switch t := v.(type) {
	case []interface{}:
		out := make([]Message, 0, len(t))
		for _, item := range t {
			out = append(out, messages(item)...)
		}
		return out
	case map[string]interface{}:
		// XML wrappers such as <mensajes><mensaje>..</mensaje></mensajes>
		if len(t) == 1 {
			for _, inner := range t {
				switch inner.(type) {
				case []interface{}, map[string]interface{}:
					return messages(inner)
				}
			}
		}
		msg := Message{}
		for _, k := range messageCodeKeys {
			if s := scalar(t[k]); s != "" {
				msg.Code = s
				break
			}
		}
		for _, k := range messageValueKeys {
			if s := scalar(t[k]); s != "" {
				msg.Value = s
				break
			}
		}
		if msg.Code == "" && msg.Value == "" {
			return nil
		}
		return []Message{msg}
	default:
		if s := scalar(t); s != "" {
			return []Message{{Value: s}}
		}
		return nil
	}
}
