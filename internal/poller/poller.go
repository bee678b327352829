// Package poller follows accepted submissions until the authority reaches a
// final decision.
//
// The Poller runs as a background worker. Track ids are enqueued after a
// submission is acknowledged; a ticker dispatches due track ids to a pool
// of workers that query the status endpoint.
//
// # Retry Policy
//
// Track ids whose status is not final are re-polled with exponential
// backoff, starting at Interval and capped at MaxInterval. After MaxPolls
// queries the track id is reported as exhausted and dropped.
//
// # Sinks
//
// Every observed status is handed to a StatusSink. The memory sink keeps
// the latest status per track id; the mongodb storage package persists them.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-ecf/pkg/normalize"
)

// ErrQueueFull is returned by Enqueue when QueueSize track ids are pending
var ErrQueueFull = errors.New("poller queue is full")

// Final authority decisions
const (
	StatusAccepted            = "Aceptado"
	StatusRejected            = "Rechazado"
	StatusConditionalAccepted = "Aceptado Condicional"
)

// IsFinal reports whether status is a final decision. Matching ignores case
// and treats underscores as spaces.
func IsFinal(status string) bool {
	s := strings.ReplaceAll(strings.TrimSpace(status), "_", " ")
	for _, final := range []string{StatusAccepted, StatusRejected, StatusConditionalAccepted} {
		if strings.EqualFold(s, final) {
			return true
		}
	}
	return false
}

// Querier fetches the current status of a submission. *ecf.Client
// implements it.
type Querier interface {
	Status(ctx context.Context, trackID string) (*normalize.Result, error)
}

// Status is the latest known state of a tracked submission
type Status struct {
	TrackID      string              `json:"trackId" bson:"_id"`
	DocumentType string              `json:"documentType,omitempty" bson:"document_type,omitempty"`
	Status       string              `json:"status,omitempty" bson:"status,omitempty"`
	Messages     []normalize.Message `json:"messages,omitempty" bson:"messages,omitempty"`
	Polls        int                 `json:"polls" bson:"polls"`
	Final        bool                `json:"final" bson:"final"`
	Exhausted    bool                `json:"exhausted,omitempty" bson:"exhausted,omitempty"`
	LastError    string              `json:"lastError,omitempty" bson:"last_error,omitempty"`
	UpdatedAt    time.Time           `json:"updatedAt" bson:"updated_at"`
}

// StatusSink records observed statuses
type StatusSink interface {
	SaveStatus(ctx context.Context, st *Status) error
}

// Config holds poller configuration
type Config struct {
	Workers         int
	Interval        time.Duration
	MaxInterval     time.Duration
	MaxPolls        int
	BackoffMultiple float64
	QueueSize       int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workers:         4,
		Interval:        10 * time.Second,
		MaxInterval:     5 * time.Minute,
		MaxPolls:        20,
		BackoffMultiple: 2.0,
		QueueSize:       10000,
	}
}

type job struct {
	trackID  string
	docType  string
	polls    int
	nextAt   time.Time
	inflight bool
}

// Poller handles background status polling
type Poller struct {
	querier Querier
	sink    StatusSink
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*job
	work    chan *job

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poller. A nil sink keeps statuses in memory.
func New(querier Querier, sink StatusSink, cfg *Config, logger *slog.Logger) *Poller {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = def.MaxPolls
	}
	if c.BackoffMultiple < 1 {
		c.BackoffMultiple = def.BackoffMultiple
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if sink == nil {
		sink = NewMemorySink()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		querier: querier,
		sink:    sink,
		logger:  logger.With("component", "poller"),
		cfg:     c,
		now:     time.Now,
		pending: make(map[string]*job),
		work:    make(chan *job, c.Workers),
	}
}

// Sink returns the status sink
func (p *Poller) Sink() StatusSink {
	return p.sink
}

// Enqueue schedules trackID for its first status query one interval from
// now. Track ids already pending are ignored.
func (p *Poller) Enqueue(trackID, documentType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[trackID]; ok {
		return nil
	}
	if len(p.pending) >= p.cfg.QueueSize {
		return ErrQueueFull
	}
	p.pending[trackID] = &job{
		trackID: trackID,
		docType: documentType,
		nextAt:  p.now().Add(p.cfg.Interval),
	}
	pendingGauge.Set(float64(len(p.pending)))
	return nil
}

// Pending returns the number of tracked submissions
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Start begins background polling
func (p *Poller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.run()
	p.logger.Info("poller started", "interval", p.cfg.Interval, "workers", p.cfg.Workers)
}

// Stop gracefully stops the poller. Pending track ids are kept and resume
// on the next Start.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("poller stopped", "pending", p.Pending())
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.tick())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.dispatchDue()
		}
	}
}

// tick is the dispatch granularity
func (p *Poller) tick() time.Duration {
	return max(p.cfg.Interval/4, time.Millisecond)
}

func (p *Poller) dispatchDue() {
	now := p.now()

	p.mu.Lock()
	var due []*job
	for _, j := range p.pending {
		if !j.inflight && !j.nextAt.After(now) {
			j.inflight = true
			due = append(due, j)
		}
	}
	p.mu.Unlock()

	for i, j := range due {
		select {
		case p.work <- j:
		case <-p.ctx.Done():
			p.mu.Lock()
			for _, rest := range due[i:] {
				rest.inflight = false
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *Poller) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.work:
			p.poll(j)
		}
	}
}

func (p *Poller) poll(j *job) {
	log := p.logger.With("track_id", j.trackID, "document_type", j.docType)

	res, err := p.querier.Status(p.ctx, j.trackID)

	p.mu.Lock()
	j.polls++
	polls := j.polls
	p.mu.Unlock()

	st := &Status{
		TrackID:      j.trackID,
		DocumentType: j.docType,
		Polls:        polls,
		UpdatedAt:    p.now().UTC(),
	}

	switch {
	case err != nil:
		if p.ctx.Err() != nil {
			p.release(j)
			return
		}
		st.LastError = err.Error()
		log.Warn("status query failed", "polls", polls, "error", err)
		pollsTotal.WithLabelValues("error").Inc()
	case IsFinal(res.Status):
		st.Status = res.Status
		st.Messages = res.Messages
		st.Final = true
		pollsTotal.WithLabelValues("final").Inc()
	default:
		st.Status = res.Status
		st.Messages = res.Messages
		pollsTotal.WithLabelValues("pending").Inc()
	}

	if !st.Final && polls >= p.cfg.MaxPolls {
		st.Exhausted = true
	}

	if err := p.sink.SaveStatus(p.ctx, st); err != nil {
		log.Error("failed to save status", "error", err)
	}

	switch {
	case st.Final:
		p.remove(j)
		log.Info("final status received", "status", st.Status, "polls", polls)
	case st.Exhausted:
		p.remove(j)
		log.Warn("giving up on status", "status", st.Status, "polls", polls)
	default:
		next := p.backoff(polls)
		p.mu.Lock()
		j.nextAt = p.now().Add(next)
		j.inflight = false
		p.mu.Unlock()
		log.Debug("status not final", "status", st.Status, "polls", polls, "next_poll", next)
	}
}

func (p *Poller) backoff(polls int) time.Duration {
	backoff := p.cfg.Interval
	for i := 1; i < polls; i++ {
		backoff = time.Duration(float64(backoff) * p.cfg.BackoffMultiple)
		if backoff > p.cfg.MaxInterval {
			return p.cfg.MaxInterval
		}
	}
	return backoff
}

func (p *Poller) release(j *job) {
	p.mu.Lock()
	j.inflight = false
	p.mu.Unlock()
}

func (p *Poller) remove(j *job) {
	p.mu.Lock()
	delete(p.pending, j.trackID)
	pendingGauge.Set(float64(len(p.pending)))
	p.mu.Unlock()
}
