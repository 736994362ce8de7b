package hosted

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/userdata"
	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

var hostedProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anp_hosted_requests_processed_total",
	Help: "Hosted-DID issuance requests processed, by outcome.",
}, []string{"outcome"})

// ApprovalPolicy decides whether an issuance request may proceed. Returning
// an error fails the request with that message.
type ApprovalPolicy interface {
	Approve(req *Request) error
}

// ApprovalFunc adapts a function to ApprovalPolicy.
type ApprovalFunc func(req *Request) error

func (f ApprovalFunc) Approve(req *Request) error { return f(req) }

// AllowAll approves every request.
var AllowAll ApprovalPolicy = ApprovalFunc(func(*Request) error { return nil })

// Processor drains one domain's pending queue in the background. Each
// request is moved to processing, approved, materialized as a hosted
// identity, then moved to completed (or failed) with a result published to
// the requester's inbox.
type Processor struct {
	queue   *Queue
	results *ResultStore
	users   *userdata.Store

	host       string
	port       int
	hostedRoot string

	policy   ApprovalPolicy
	interval time.Duration
	logger   *zap.Logger

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewProcessor builds a processor for one served domain. hostedRoot is the
// directory hosted identities are written under (the domain's
// anp_users_hosted). A nil policy means AllowAll.
func NewProcessor(queue *Queue, results *ResultStore, users *userdata.Store,
	host string, port int, hostedRoot string,
	interval time.Duration, policy ApprovalPolicy, logger *zap.Logger) *Processor {
	if policy == nil {
		policy = AllowAll
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Processor{
		queue:      queue,
		results:    results,
		users:      users,
		host:       host,
		port:       port,
		hostedRoot: hostedRoot,
		policy:     policy,
		interval:   interval,
		logger:     logger,
		quit:       make(chan struct{}),
	}
}

// Start launches the drain loop. Requests stranded in processing/ from a
// previous run are reported but not reclaimed; an operator decides their
// fate.
func (p *Processor) Start() {
	if orphans, err := p.queue.Orphaned(); err == nil && len(orphans) > 0 {
		p.logger.Warn("requests left in processing from a previous run",
			zap.String("domain", fmt.Sprintf("%s:%d", p.host, p.port)),
			zap.Strings("request_ids", orphans),
		)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.ProcessOnce()
			case <-p.quit:
				return
			}
		}
	}()
}

// Stop halts the drain loop and waits for an in-flight pass to finish.
func (p *Processor) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// ProcessOnce drains everything currently pending, oldest first.
func (p *Processor) ProcessOnce() {
	pending, err := p.queue.Pending()
	if err != nil {
		p.logger.Error("scan pending queue", zap.Error(err))
		return
	}
	for _, req := range pending {
		p.process(req)
	}
}

func (p *Processor) process(req *Request) {
	if _, err := p.queue.Move(req.RequestID, StatusPending, StatusProcessing, "processing started"); err != nil {
		// Another pass may have claimed it already.
		p.logger.Debug("claim request", zap.String("request_id", req.RequestID), zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing hosted request",
				zap.String("request_id", req.RequestID),
				zap.Any("panic", r),
			)
			p.fail(req, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := p.policy.Approve(req); err != nil {
		p.fail(req, fmt.Sprintf("request rejected: %v", err))
		return
	}

	if existing, ok := p.alreadyIssued(req); ok {
		p.fail(req, fmt.Sprintf("duplicate request: a hosted DID was already issued for %s (user_%s)",
			req.DocumentID(), existing))
		return
	}

	sid, err := did.NewShortID()
	if err != nil {
		p.fail(req, fmt.Sprintf("generate hosted identity id: %v", err))
		return
	}
	doc, hostedDID, err := BuildHostedDocument(req.DIDDocument, p.host, p.port, sid)
	if err != nil {
		p.fail(req, fmt.Sprintf("build hosted document: %v", err))
		return
	}
	if err := p.users.WriteJSON(p.hostedRoot, sid, userdata.DIDDocumentFile, doc); err != nil {
		p.fail(req, fmt.Sprintf("materialize hosted identity: %v", err))
		return
	}
	// The original request is kept next to the issued document for audit.
	if err := p.users.WriteJSON(p.hostedRoot, sid, RequestFile, req); err != nil {
		p.logger.Warn("save original request beside hosted document",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}

	if _, err := p.queue.Move(req.RequestID, StatusProcessing, StatusCompleted, "hosted DID issued: "+hostedDID); err != nil {
		p.logger.Error("complete request", zap.String("request_id", req.RequestID), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	res := &Result{
		ResultID:          ResultID(req.RequesterDID, req.RequestID, now),
		RequestID:         req.RequestID,
		RequesterDID:      req.RequesterDID,
		RequesterShortID:  req.RequesterShortID(),
		Success:           true,
		HostedDIDDocument: doc,
		CreatedAt:         now,
		Host:              p.host,
		Port:              p.port,
	}
	if err := p.results.Publish(res); err != nil {
		p.logger.Error("publish result", zap.String("request_id", req.RequestID), zap.Error(err))
		return
	}
	hostedProcessedTotal.WithLabelValues("completed").Inc()
	p.logger.Info("hosted DID issued",
		zap.String("request_id", req.RequestID),
		zap.String("hosted_did", hostedDID),
	)
}

// alreadyIssued reports whether a hosted identity for the same requester and
// original document already exists, by scanning the archived requests kept
// beside each issued document. Returns the existing hosted short ID.
func (p *Processor) alreadyIssued(req *Request) (string, bool) {
	sids, err := p.users.ListUsers(p.hostedRoot)
	if err != nil {
		p.logger.Warn("scan hosted identities for duplicates", zap.Error(err))
		return "", false
	}
	for _, sid := range sids {
		data, err := p.users.File(p.hostedRoot, sid, RequestFile)
		if err != nil {
			continue
		}
		var archived Request
		if err := json.Unmarshal(data, &archived); err != nil {
			continue
		}
		if archived.RequesterDID == req.RequesterDID && archived.DocumentID() == req.DocumentID() {
			return sid, true
		}
	}
	return "", false
}

// fail moves a claimed request from processing to failed and publishes a
// failure result.
func (p *Processor) fail(req *Request, msg string) {
	if _, err := p.queue.Move(req.RequestID, StatusProcessing, StatusFailed, msg); err != nil {
		p.logger.Error("move request to failed",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}
	now := time.Now().UTC()
	res := &Result{
		ResultID:         ResultID(req.RequesterDID, req.RequestID, now),
		RequestID:        req.RequestID,
		RequesterDID:     req.RequesterDID,
		RequesterShortID: req.RequesterShortID(),
		Success:          false,
		ErrorMessage:     msg,
		CreatedAt:        now,
		Host:             p.host,
		Port:             p.port,
	}
	if err := p.results.Publish(res); err != nil {
		p.logger.Error("publish failure result",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}
	hostedProcessedTotal.WithLabelValues("failed").Inc()
	p.logger.Warn("hosted DID request failed",
		zap.String("request_id", req.RequestID),
		zap.String("reason", msg),
	)
}
