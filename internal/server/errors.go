package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sirosfoundation/go-ecf/pkg/ecf"
	"github.com/sirosfoundation/go-ecf/pkg/idempotency"
	"github.com/sirosfoundation/go-ecf/pkg/normalize"
	"github.com/sirosfoundation/go-ecf/pkg/schema"
	"github.com/sirosfoundation/go-ecf/pkg/token"
	"github.com/sirosfoundation/go-ecf/pkg/transport"
	"github.com/sirosfoundation/go-ecf/pkg/xmldsig"
	"github.com/sirosfoundation/go-ecf/pkg/xmlsec"
)

// defaultRetryAfter is advertised when the upstream gave no better hint
const defaultRetryAfter = 5 * time.Second

type errorBody struct {
	Error          string             `json:"error"`
	State          string             `json:"state,omitempty"`
	Stage          string             `json:"stage,omitempty"`
	UpstreamStatus int                `json:"upstreamStatus,omitempty"`
	Violations     []schema.Violation `json:"violations,omitempty"`
}

// writeError maps a submission or query failure to an HTTP response
func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}

	var subErr *ecf.SubmissionError
	if errors.As(err, &subErr) {
		body.State = subErr.State.String()
		body.Stage = subErr.Stage
	}

	var (
		validation *schema.ValidationError
		receipt    *transport.ReceiptError
		breaker    *transport.CircuitOpenError
		signing    *xmldsig.SigningError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, idempotency.ErrConflict):
		status = http.StatusConflict
	case errors.As(err, &validation):
		status = http.StatusUnprocessableEntity
		body.Violations = validation.Violations
	case errors.Is(err, xmlsec.ErrTooLarge),
		errors.Is(err, xmlsec.ErrTooDeep),
		errors.Is(err, xmlsec.ErrForbiddenDTD),
		errors.Is(err, xmlsec.ErrMalformed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ecf.ErrUnknownDocumentType):
		status = http.StatusNotFound
	case errors.Is(err, token.ErrAuth):
		status = http.StatusBadGateway
	case errors.As(err, &receipt):
		status = http.StatusUnprocessableEntity
		body.UpstreamStatus = receipt.StatusCode
	case errors.As(err, &breaker):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", retryAfter(time.Until(breaker.Until)))
	case errors.Is(err, transport.ErrUpstreamUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", retryAfter(defaultRetryAfter))
	case errors.Is(err, normalize.ErrBadUpstreamResponse):
		status = http.StatusBadGateway
	case errors.Is(err, transport.ErrHostNotAllowed):
		status = http.StatusInternalServerError
	case errors.As(err, &signing):
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	s.jsonResponse(w, body, status)
}

// retryAfter renders d as whole seconds, at least one
func retryAfter(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	return strconv.Itoa(max(secs, 1))
}
