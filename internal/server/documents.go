package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/sirosfoundation/go-ecf/pkg/ecf"
	"github.com/sirosfoundation/go-ecf/pkg/idempotency"
	"github.com/sirosfoundation/go-ecf/pkg/normalize"
)

// Header names of the ingress idempotency contract
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplay         = "Idempotent-Replay"
)

// ingressKeyPrefix separates ingress records from the outbound records the
// client keeps under the bare key in a shared store.
const ingressKeyPrefix = "ingress:"

// SubmitRequest is the JSON form of a submission
type SubmitRequest struct {
	XML       string `json:"xml"`
	ReuseENCF bool   `json:"reuseENCF,omitempty"`
}

// SubmitResponse is returned for an accepted submission
type SubmitResponse struct {
	DocumentType   string              `json:"documentType"`
	TrackID        string              `json:"trackId"`
	Status         string              `json:"status"`
	Messages       []normalize.Message `json:"messages,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey"`
}

// Document handlers

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	docType, err := ecf.ParseDocumentType(r.PathValue("type"))
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		s.jsonError(w, "Idempotency-Key header is required", http.StatusBadRequest)
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		s.jsonError(w, "Content-Type must be application/json or application/xml", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.jsonError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req := &ecf.SubmissionRequest{DocumentType: docType, IdempotencyKey: key}
	var hash string

	switch {
	case mediaType == "application/json":
		var in SubmitRequest
		canonical, err := canonicalJSON(body, &in)
		if err != nil {
			s.jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if in.XML == "" {
			s.jsonError(w, "xml is required", http.StatusBadRequest)
			return
		}
		req.XML = []byte(in.XML)
		req.ReuseENCF = in.ReuseENCF
		hash = idempotency.HashPayload(canonical)
	case isXMLMediaType(mediaType):
		req.XML = body
		req.ReuseENCF = r.URL.Query().Get("reuseENCF") == "true"
		hash = idempotency.HashPayload(body)
	default:
		s.jsonError(w, "Content-Type must be application/json or application/xml", http.StatusUnsupportedMediaType)
		return
	}

	log := s.logger.With(
		"document_type", docType,
		"idempotency_key", key,
		"request_id", middleware.GetReqID(r.Context()),
	)

	rec, replayed, err := s.cache.Do(r.Context(), ingressKeyPrefix+key, hash, func(ctx context.Context) (*idempotency.Record, error) {
		return s.submit(ctx, req)
	})
	if err != nil {
		log.Warn("submission failed", "error", err)
		s.writeError(w, err)
		return
	}

	if replayed {
		log.Info("replaying stored response")
	}
	w.Header().Set(HeaderReplay, strconv.FormatBool(replayed))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.StatusCode)
	if _, err := w.Write(rec.Body); err != nil {
		log.Error("failed to write response", "error", err)
	}
}

// submit runs one submission and renders the response to store. Only
// accepted submissions are stored; failures return an error.
func (s *Server) submit(ctx context.Context, req *ecf.SubmissionRequest) (*idempotency.Record, error) {
	receipt, err := s.client.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := SubmitResponse{
		DocumentType:   string(req.DocumentType),
		TrackID:        receipt.Result.TrackID,
		Status:         receipt.Result.Status,
		Messages:       receipt.Result.Messages,
		IdempotencyKey: receipt.IdempotencyKey,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}

	if s.tracker != nil && !receipt.Replayed {
		if err := s.tracker.Enqueue(resp.TrackID, resp.DocumentType); err != nil {
			s.logger.Warn("failed to track submission", "track_id", resp.TrackID, "error", err)
		}
	}

	return &idempotency.Record{
		StatusCode: http.StatusAccepted,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, s.client.Status)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, s.client.Result)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*normalize.Result, error)) {
	res, err := fn(r.Context(), r.PathValue("trackID"))
	if err != nil {
		s.logger.Warn("status query failed", "track_id", r.PathValue("trackID"), "error", err)
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	if s.statuses == nil {
		s.jsonError(w, "status tracking is disabled", http.StatusNotFound)
		return
	}
	st, err := s.statuses.GetStatus(r.Context(), r.PathValue("trackID"))
	if err != nil {
		s.logger.Error("failed to read tracked status", "error", err)
		s.jsonError(w, "failed to read status", http.StatusInternalServerError)
		return
	}
	if st == nil {
		s.jsonError(w, "track id not found", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, st, http.StatusOK)
}

// Lookup handlers

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	payload, err := s.client.Directory(r.Context(), r.PathValue("rnc"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, payload, http.StatusOK)
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("desde"), r.URL.Query().Get("hasta")
	if from == "" || to == "" {
		s.jsonError(w, "desde and hasta are required", http.StatusBadRequest)
		return
	}
	payload, err := s.client.Summary(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, payload, http.StatusOK)
}

// canonicalJSON decodes body into dst and returns the key-sorted compact
// serialization used for hashing.
func canonicalJSON(body []byte, dst interface{}) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if _, ok := generic.(map[string]interface{}); !ok {
		return nil, errors.New("body must be a JSON object")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func isXMLMediaType(mediaType string) bool {
	switch mediaType {
	case "application/xml", "text/xml":
		return true
	}
	return strings.HasSuffix(mediaType, "+xml")
}
