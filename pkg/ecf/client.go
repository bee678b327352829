package ecf

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-ecf/pkg/idempotency"
	"github.com/sirosfoundation/go-ecf/pkg/normalize"
	"github.com/sirosfoundation/go-ecf/pkg/transport"
	"github.com/sirosfoundation/go-ecf/pkg/xmlsec"
)

// Validator checks a parsed document against a schema.
type Validator interface {
	Validate(doc *xmlsec.Document, schemaID string) error
}

// Signer signs a document.
type Signer interface {
	Sign(doc []byte) ([]byte, error)
}

// TokenSource supplies bearer tokens.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// Doer performs HTTP calls.
type Doer interface {
	Do(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error)
}

// Config holds the collaborators of a Client.
type Config struct {
	Endpoints  Endpoints
	Parser     *xmlsec.Parser
	Validator  Validator
	Signer     Signer
	Tokens     TokenSource
	Transport  Doer
	Cache      *idempotency.Cache
	Normalizer *normalize.Normalizer
	Logger     *slog.Logger
}

// SubmissionRequest is one document to submit.
type SubmissionRequest struct {
	DocumentType DocumentType
	XML          []byte
	// IdempotencyKey enables replay of an earlier outcome. When empty a
	// fresh key is sent and nothing is cached.
	IdempotencyKey string
	// ReuseENCF asks the authority to accept a previously used e-NCF.
	ReuseENCF bool
}

// Receipt is the outcome of an accepted submission.
type Receipt struct {
	Result         *normalize.Result
	StatusCode     int
	ContentType    string
	Body           []byte
	IdempotencyKey string
	Replayed       bool
}

// Client submits documents and queries their processing status.
type Client struct {
	endpoints  Endpoints
	parser     *xmlsec.Parser
	validator  Validator
	signer     Signer
	tokens     TokenSource
	transport  Doer
	cache      *idempotency.Cache
	normalizer *normalize.Normalizer
	logger     *slog.Logger
}

// NewClient creates a client. Validator, Signer, Tokens and Transport are
// required.
func NewClient(cfg Config) (*Client, error) {
	switch {
	case cfg.Validator == nil:
		return nil, errors.New("ecf: validator is required")
	case cfg.Signer == nil:
		return nil, errors.New("ecf: signer is required")
	case cfg.Tokens == nil:
		return nil, errors.New("ecf: token source is required")
	case cfg.Transport == nil:
		return nil, errors.New("ecf: transport is required")
	}

	parser := cfg.Parser
	if parser == nil {
		parser = xmlsec.NewParser(xmlsec.Limits{})
	}
	cache := cfg.Cache
	if cache == nil {
		cache = idempotency.NewCache(idempotency.NewMemoryStore(), idempotency.Options{Logger: cfg.Logger})
	}
	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = normalize.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoints:  cfg.Endpoints.trimmed(),
		parser:     parser,
		validator:  cfg.Validator,
		signer:     cfg.Signer,
		tokens:     cfg.Tokens,
		transport:  cfg.Transport,
		cache:      cache,
		normalizer: normalizer,
		logger:     logger.With("component", "ecf"),
	}, nil
}

// submission tracks one document through its states.
type submission struct {
	docType DocumentType
	state   State
	logger  *slog.Logger
}

func (s *submission) advance(to State) {
	s.logger.Debug("submission state", "from", s.state, "to", to)
	s.state = to
}

func (s *submission) fail(to State, stage string, err error) error {
	s.advance(to)
	submissionsTotal.WithLabelValues(string(s.docType), to.String()).Inc()
	s.logger.Warn("submission failed", "stage", stage, "state", to, "error", err)
	return &SubmissionError{DocumentType: s.docType, State: to, Stage: stage, Err: err}
}

// Submit validates, signs and submits a document. An idempotency hit
// returns the stored outcome without contacting the authority. Failures
// are returned as *SubmissionError carrying the terminal state.
func (c *Client) Submit(ctx context.Context, req *SubmissionRequest) (*Receipt, error) {
	sub := &submission{
		docType: req.DocumentType,
		state:   StateBuilt,
		logger:  c.logger.With("document_type", req.DocumentType),
	}

	docType, err := ParseDocumentType(string(req.DocumentType))
	if err != nil {
		return nil, sub.fail(StateRejected, StageValidate, err)
	}
	if docType != req.DocumentType {
		canonical := *req
		canonical.DocumentType = docType
		req = &canonical
		sub.docType = docType
		sub.logger = c.logger.With("document_type", docType)
	}

	doc, err := c.parser.Parse(req.XML)
	if err != nil {
		return nil, sub.fail(StateRejected, StageParse, err)
	}
	if err := c.validator.Validate(doc, req.DocumentType.SchemaID()); err != nil {
		return nil, sub.fail(StateRejected, StageValidate, err)
	}
	sub.advance(StateValidated)

	signed, err := c.signer.Sign(req.XML)
	if err != nil {
		return nil, sub.fail(StateRejected, StageSign, err)
	}
	sub.advance(StateSigned)

	bearer, err := c.tokens.Token(ctx, false)
	if err != nil {
		return nil, sub.fail(failureState(err), StageAuthenticate, err)
	}
	sub.advance(StateAuthenticated)

	key := req.IdempotencyKey
	header := http.Header{}
	header.Set("Content-Type", "application/xml")
	if req.ReuseENCF && req.DocumentType == TypeECF {
		header.Set("X-Reutilizar-ENCF", "true")
	}
	target := c.endpoints.SubmissionURL(req.DocumentType)

	send := func(ctx context.Context) (*idempotency.Record, error) {
		sub.advance(StateSubmitted)
		resp, err := c.authorized(ctx, bearer, http.MethodPost, target, header, signed)
		if err != nil {
			return nil, err
		}
		if _, err := c.normalizer.Normalize(resp.ContentType(), resp.Body); err != nil {
			return nil, err
		}
		return &idempotency.Record{
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
			Headers:    map[string]string{"Content-Type": resp.Header.Get("Content-Type")},
		}, nil
	}

	var rec *idempotency.Record
	replayed := false
	if key == "" {
		header.Set("Idempotency-Key", uuid.NewString())
		rec, err = send(ctx)
	} else {
		header.Set("Idempotency-Key", key)
		rec, replayed, err = c.cache.Do(ctx, key, idempotency.HashPayload(req.XML), send)
	}
	if err != nil {
		return nil, sub.fail(failureState(err), failureStage(err), err)
	}

	contentType := rec.Headers["Content-Type"]
	result, err := c.normalizer.Normalize(contentType, rec.Body)
	if err != nil {
		return nil, sub.fail(StateTransportFailed, StageNormalize, err)
	}

	sub.advance(StateAccepted)
	submissionsTotal.WithLabelValues(string(req.DocumentType), StateAccepted.String()).Inc()
	sub.logger.Info("document submitted",
		"track_id", result.TrackID,
		"status", result.Status,
		"replayed", replayed)

	return &Receipt{
		Result:         result,
		StatusCode:     rec.StatusCode,
		ContentType:    contentType,
		Body:           rec.Body,
		IdempotencyKey: header.Get("Idempotency-Key"),
		Replayed:       replayed,
	}, nil
}

// Status queries the processing status of a submitted document.
func (c *Client) Status(ctx context.Context, trackID string) (*normalize.Result, error) {
	return c.query(ctx, c.endpoints.Recepcion+"/estatus/"+url.PathEscape(trackID), trackID)
}

// Result queries the final processing result of a submitted document.
func (c *Client) Result(ctx context.Context, trackID string) (*normalize.Result, error) {
	return c.query(ctx, c.endpoints.Recepcion+"/resultado/"+url.PathEscape(trackID), trackID)
}

func (c *Client) query(ctx context.Context, target, trackID string) (*normalize.Result, error) {
	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	res, err := c.normalizer.NormalizeStatus(resp.ContentType(), resp.Body)
	if err != nil {
		return nil, err
	}
	if res.TrackID == "" {
		res.TrackID = trackID
	}
	return res, nil
}

// Directory looks up a taxpayer's registration by RNC.
func (c *Client) Directory(ctx context.Context, rnc string) (map[string]interface{}, error) {
	resp, err := c.get(ctx, c.endpoints.Directorio+"/rnc/"+url.PathEscape(rnc))
	if err != nil {
		return nil, err
	}
	return normalize.Decode(resp.ContentType(), resp.Body)
}

// Summary lists consumer invoice summaries received between from and to.
func (c *Client) Summary(ctx context.Context, from, to string) (map[string]interface{}, error) {
	q := url.Values{}
	q.Set("desde", from)
	q.Set("hasta", to)
	resp, err := c.get(ctx, c.endpoints.RecepcionFC+"/resumen?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return normalize.Decode(resp.ContentType(), resp.Body)
}

func (c *Client) get(ctx context.Context, target string) (*transport.Response, error) {
	bearer, err := c.tokens.Token(ctx, false)
	if err != nil {
		return nil, err
	}
	return c.authorized(ctx, bearer, http.MethodGet, target, nil, nil)
}

// authorized sends a request with bearer. A 401 forces one token refresh
// and one more attempt.
func (c *Client) authorized(ctx context.Context, bearer, method, target string, header http.Header, body []byte) (*transport.Response, error) {
	resp, err := c.transport.Do(ctx, method, target, withBearer(header, bearer), body)

	var rerr *transport.ReceiptError
	if !errors.As(err, &rerr) || rerr.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	c.logger.Info("bearer token rejected, refreshing", "url", target)
	bearer, err = c.tokens.Token(ctx, true)
	if err != nil {
		return nil, err
	}
	return c.transport.Do(ctx, method, target, withBearer(header, bearer), body)
}

func withBearer(header http.Header, bearer string) http.Header {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Authorization", "Bearer "+bearer)
	return h
}

// failureState maps a failure to the terminal state it leads to.
func failureState(err error) State {
	switch {
	case transport.IsRetryable(err),
		errors.Is(err, normalize.ErrBadUpstreamResponse),
		errors.Is(err, transport.ErrResponseTooLarge),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return StateTransportFailed
	default:
		return StateRejected
	}
}

func failureStage(err error) string {
	var cerr *idempotency.ConflictError
	switch {
	case errors.As(err, &cerr):
		return StageIdempotency
	case errors.Is(err, normalize.ErrBadUpstreamResponse):
		return StageNormalize
	default:
		return StageSubmit
	}
}
