package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ecf/internal/config"
	"github.com/sirosfoundation/go-ecf/internal/poller"
	"github.com/sirosfoundation/go-ecf/pkg/ecf"
	"github.com/sirosfoundation/go-ecf/pkg/normalize"
	"github.com/sirosfoundation/go-ecf/pkg/schema"
	"github.com/sirosfoundation/go-ecf/pkg/token"
	"github.com/sirosfoundation/go-ecf/pkg/transport"
	"github.com/sirosfoundation/go-ecf/pkg/xmldsig"
	"github.com/sirosfoundation/go-ecf/pkg/xmlsec"
)

const invoice = `<ECF><Encabezado><Totales><MontoTotal>100.00</MontoTotal></Totales></Encabezado></ECF>`

// fakeClient records submissions and returns a scripted outcome
type fakeClient struct {
	mu        sync.Mutex
	submitted []*ecf.SubmissionRequest
	err       error
	panicMsg  string
}

func (f *fakeClient) Submit(_ context.Context, req *ecf.SubmissionRequest) (*ecf.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.submitted = append(f.submitted, req)
	if f.err != nil {
		return nil, f.err
	}
	return &ecf.Receipt{
		Result:         &normalize.Result{TrackID: fmt.Sprintf("T-%d", len(f.submitted)), Status: "EN_PROCESO"},
		StatusCode:     http.StatusAccepted,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

func (f *fakeClient) Status(_ context.Context, trackID string) (*normalize.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &normalize.Result{TrackID: trackID, Status: "Aceptado"}, nil
}

func (f *fakeClient) Result(_ context.Context, trackID string) (*normalize.Result, error) {
	return &normalize.Result{TrackID: trackID, Status: "Rechazado", Messages: []normalize.Message{{Code: "2", Value: "RNC invalido"}}}, nil
}

func (f *fakeClient) Directory(_ context.Context, rnc string) (map[string]interface{}, error) {
	return map[string]interface{}{"rnc": rnc, "nombre": "Empresa"}, nil
}

func (f *fakeClient) Summary(_ context.Context, from, to string) (map[string]interface{}, error) {
	return map[string]interface{}{"desde": from, "hasta": to, "total": "3"}, nil
}

func (f *fakeClient) Submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked []string
}

func (t *fakeTracker) Enqueue(trackID, documentType string) error {
	t.mu.Lock()
	t.tracked = append(t.tracked, documentType+"/"+trackID)
	t.mu.Unlock()
	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, client Submitter, deps Deps) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Metrics.Metrics.Enabled = true
	cfg.Server.MaxBodyBytes = 64 << 10
	deps.Client = client

	srv := httptest.NewServer(New(cfg, deps, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func submit(t *testing.T, base, docType, key, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, base+"/api/v1/documents/"+docType, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func jsonBody(t *testing.T, xml string) string {
	t.Helper()
	b, err := json.Marshal(SubmitRequest{XML: xml})
	require.NoError(t, err)
	return string(b)
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestSubmit_AcceptedAndReplayed(t *testing.T) {
	client := &fakeClient{}
	tracker := &fakeTracker{}
	srv := newTestServer(t, client, Deps{Tracker: tracker})

	first := `{"xml":` + mustQuote(t, invoice) + `,"reuseENCF":true}`
	resp := submit(t, srv.URL, "ecf", "K1", "application/json", first)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "false", resp.Header.Get(HeaderReplay))

	var out SubmitResponse
	decode(t, resp, &out)
	assert.Equal(t, "T-1", out.TrackID)
	assert.Equal(t, "EN_PROCESO", out.Status)
	assert.Equal(t, "ECF", out.DocumentType)
	assert.Equal(t, "K1", out.IdempotencyKey)

	// same content with different key order and spacing
	reordered := `{ "reuseENCF" : true,
	  "xml": ` + mustQuote(t, invoice) + ` }`
	replay := submit(t, srv.URL, "ECF", "K1", "application/json; charset=utf-8", reordered)
	require.Equal(t, http.StatusAccepted, replay.StatusCode)
	assert.Equal(t, "true", replay.Header.Get(HeaderReplay))

	var again SubmitResponse
	decode(t, replay, &again)
	assert.Equal(t, out, again)

	require.Equal(t, 1, client.Submissions())
	assert.True(t, client.submitted[0].ReuseENCF)
	assert.Equal(t, []string{"ECF/T-1"}, tracker.tracked)
}

func mustQuote(t *testing.T, s string) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func TestSubmit_Conflict(t *testing.T) {
	client := &fakeClient{}
	srv := newTestServer(t, client, Deps{})

	resp := submit(t, srv.URL, "ecf", "K1", "application/json", jsonBody(t, invoice))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	changed := strings.Replace(invoice, "100.00", "900.00", 1)
	resp = submit(t, srv.URL, "ecf", "K1", "application/json", jsonBody(t, changed))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 1, client.Submissions())
}

func TestSubmit_XMLBody(t *testing.T) {
	client := &fakeClient{}
	srv := newTestServer(t, client, Deps{})

	resp := submit(t, srv.URL, "rfce", "K-xml", "application/xml", invoice)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Equal(t, 1, client.Submissions())
	got := client.submitted[0]
	assert.Equal(t, ecf.TypeRFCE, got.DocumentType)
	assert.Equal(t, invoice, string(got.XML))
	assert.Equal(t, "K-xml", got.IdempotencyKey)
}

func TestSubmit_RequestErrors(t *testing.T) {
	srv := newTestServer(t, &fakeClient{}, Deps{})

	tests := []struct {
		name        string
		docType     string
		key         string
		contentType string
		body        string
		want        int
	}{
		{"missing key", "ecf", "", "application/json", jsonBody(t, invoice), http.StatusBadRequest},
		{"unsupported media", "ecf", "K", "text/plain", invoice, http.StatusUnsupportedMediaType},
		{"missing content type", "ecf", "K", "", invoice, http.StatusUnsupportedMediaType},
		{"unknown type", "factura", "K", "application/json", jsonBody(t, invoice), http.StatusNotFound},
		{"malformed json", "ecf", "K", "application/json", `{"xml":`, http.StatusBadRequest},
		{"json array", "ecf", "K", "application/json", `["<ECF/>"]`, http.StatusBadRequest},
		{"missing xml", "ecf", "K", "application/json", `{"reuseENCF":true}`, http.StatusBadRequest},
		{"too large", "ecf", "K", "application/xml", "<ECF>" + strings.Repeat("a", 65<<10) + "</ECF>", http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := submit(t, srv.URL, tt.docType, tt.key, tt.contentType, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)

			var body errorBody
			decode(t, resp, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       int
		retryAfter string
	}{
		{"schema violation", &ecf.SubmissionError{DocumentType: ecf.TypeECF, State: ecf.StateRejected, Stage: ecf.StageValidate,
			Err: &schema.ValidationError{Schema: "ECF", Violations: []schema.Violation{{Line: 2, Path: "/ECF/Encabezado", Message: "missing"}}}},
			http.StatusUnprocessableEntity, ""},
		{"oversized document", &ecf.SubmissionError{Stage: ecf.StageParse, Err: fmt.Errorf("parse: %w", xmlsec.ErrTooLarge)}, http.StatusUnprocessableEntity, ""},
		{"authority rejection", &ecf.SubmissionError{Stage: ecf.StageSubmit, Err: &transport.ReceiptError{StatusCode: 400, Body: []byte("bad")}}, http.StatusUnprocessableEntity, ""},
		{"auth failure", &token.AuthError{Reason: "seed signing rejected", Err: transport.ErrRejected}, http.StatusBadGateway, ""},
		{"breaker open", &transport.RetryableError{Attempts: 0, Err: &transport.CircuitOpenError{Host: "dgii", Until: time.Now().Add(30 * time.Second)}}, http.StatusServiceUnavailable, "30"},
		{"retries exhausted", &transport.RetryableError{Attempts: 3, Err: errors.New("connection refused")}, http.StatusServiceUnavailable, "5"},
		{"bad upstream response", &normalize.BadUpstreamResponseError{Field: "track id", Err: errors.New("missing")}, http.StatusBadGateway, ""},
		{"signing failure", &xmldsig.SigningError{Op: "load bundle", Err: xmldsig.ErrWrongPassword}, http.StatusInternalServerError, ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeClient{err: tt.err}, Deps{})

			resp := submit(t, srv.URL, "ecf", "K", "application/json", jsonBody(t, invoice))
			assert.Equal(t, tt.want, resp.StatusCode)
			if tt.retryAfter != "" {
				assert.Contains(t, []string{tt.retryAfter, fmt.Sprint(mustAtoi(t, tt.retryAfter) - 1)}, resp.Header.Get("Retry-After"))
			}
		})
	}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	require.NoError(t, err)
	return n
}

func TestSubmit_ErrorBodyDetails(t *testing.T) {
	err := &ecf.SubmissionError{
		DocumentType: ecf.TypeECF,
		State:        ecf.StateRejected,
		Stage:        ecf.StageValidate,
		Err:          &schema.ValidationError{Schema: "ECF", Violations: []schema.Violation{{Line: 3, Path: "/ECF/Encabezado/Version", Message: "bad"}}},
	}
	srv := newTestServer(t, &fakeClient{err: err}, Deps{})

	resp := submit(t, srv.URL, "ecf", "K", "application/xml", invoice)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "rejected", body.State)
	assert.Equal(t, ecf.StageValidate, body.Stage)
	require.Len(t, body.Violations, 1)
	assert.Equal(t, 3, body.Violations[0].Line)
}

func TestSubmit_FailureNotStored(t *testing.T) {
	client := &fakeClient{err: &transport.RetryableError{Attempts: 3, Err: errors.New("timeout")}}
	srv := newTestServer(t, client, Deps{})

	resp := submit(t, srv.URL, "ecf", "K", "application/json", jsonBody(t, invoice))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	client.mu.Lock()
	client.err = nil
	client.mu.Unlock()

	resp = submit(t, srv.URL, "ecf", "K", "application/json", jsonBody(t, invoice))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "false", resp.Header.Get(HeaderReplay))
	assert.Equal(t, 2, client.Submissions())
}

func TestSubmit_PanicRecovered(t *testing.T) {
	srv := newTestServer(t, &fakeClient{panicMsg: "boom"}, Deps{})

	resp := submit(t, srv.URL, "ecf", "K", "application/json", jsonBody(t, invoice))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestQueries(t *testing.T) {
	srv := newTestServer(t, &fakeClient{}, Deps{})

	resp := get(t, srv.URL+"/api/v1/documents/T-9/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status normalize.Result
	decode(t, resp, &status)
	assert.Equal(t, normalize.Result{TrackID: "T-9", Status: "Aceptado"}, status)

	resp = get(t, srv.URL+"/api/v1/documents/T-9/result")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result normalize.Result
	decode(t, resp, &result)
	assert.Equal(t, "Rechazado", result.Status)
	assert.Len(t, result.Messages, 1)

	resp = get(t, srv.URL+"/api/v1/directory/131415161")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dir map[string]interface{}
	decode(t, resp, &dir)
	assert.Equal(t, "131415161", dir["rnc"])

	resp = get(t, srv.URL+"/api/v1/summaries?desde=2026-10-01&hasta=2026-10-15")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv.URL+"/api/v1/summaries?desde=2026-10-01")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueries_UpstreamUnavailable(t *testing.T) {
	srv := newTestServer(t, &fakeClient{err: &transport.RetryableError{Attempts: 3, Err: errors.New("down")}}, Deps{})

	resp := get(t, srv.URL+"/api/v1/documents/T-1/status")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestTracking(t *testing.T) {
	sink := poller.NewMemorySink()
	require.NoError(t, sink.SaveStatus(context.Background(), &poller.Status{TrackID: "T-1", Status: "Aceptado", Final: true, Polls: 2}))
	srv := newTestServer(t, &fakeClient{}, Deps{Statuses: sink})

	resp := get(t, srv.URL+"/api/v1/documents/T-1/tracking")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st poller.Status
	decode(t, resp, &st)
	assert.True(t, st.Final)
	assert.Equal(t, 2, st.Polls)

	resp = get(t, srv.URL+"/api/v1/documents/T-404/tracking")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	disabled := newTestServer(t, &fakeClient{}, Deps{})
	resp = get(t, disabled.URL+"/api/v1/documents/T-1/tracking")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := newTestServer(t, &fakeClient{}, Deps{Checks: map[string]Pinger{
		"idempotency": pingFunc(func(context.Context) error { return nil }),
	}})
	assert.Equal(t, http.StatusOK, get(t, healthy.URL+"/health").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, healthy.URL+"/ready").StatusCode)

	broken := newTestServer(t, &fakeClient{}, Deps{Checks: map[string]Pinger{
		"idempotency": pingFunc(func(context.Context) error { return errors.New("down") }),
	}})
	assert.Equal(t, http.StatusOK, get(t, broken.URL+"/health").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, broken.URL+"/ready").StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeClient{}, Deps{})

	resp := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCanonicalJSON(t *testing.T) {
	var a, b SubmitRequest
	ca, err := canonicalJSON([]byte(`{"xml":"<A/>","reuseENCF":true}`), &a)
	require.NoError(t, err)
	cb, err := canonicalJSON([]byte("{\n  \"reuseENCF\": true,\n  \"xml\": \"<A/>\"\n}"), &b)
	require.NoError(t, err)

	assert.Equal(t, ca, cb)
	assert.Equal(t, a, b)
	assert.True(t, a.ReuseENCF)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, "1", retryAfter(0))
	assert.Equal(t, "1", retryAfter(-time.Second))
	assert.Equal(t, "2", retryAfter(1500*time.Millisecond))
	assert.Equal(t, "5", retryAfter(defaultRetryAfter))
}
