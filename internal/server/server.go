// Package server is the HTTP surface of the ANP runtime: identity and
// descriptor documents, the hosted-DID workflow, and agent dispatch, all
// multiplexed across the virtual hosts this instance serves.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/contacts"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/domain"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/hosted"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/identity"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/registry"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/router"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/userdata"
)

// Service identity reported on the status route.
const (
	serviceName    = "anp-open-sdk"
	serviceVersion = "0.1.0"
)

// Config carries the HTTP and workflow settings of one server instance.
type Config struct {
	DataRoot string
	Domains  []string // served "host:port" entries

	CORSOrigins    []string
	RateLimitRPS   int
	BodyLimitBytes int64

	// Hosted-DID workflow.
	ProcessInterval  time.Duration
	ResultRetention  time.Duration
	CleanupEvery     time.Duration
	EstimatedSeconds int

	// Forward-to-upstream mode.
	UseFrameworkServer bool
	FrameworkURL       string
	FallbackToLocal    bool
	ForwardTimeout     time.Duration
}

// DomainRuntime is the hosted-DID machinery and contact book of one
// served domain.
type DomainRuntime struct {
	Host      string
	Port      int
	Queue     *hosted.Queue
	Results   *hosted.ResultStore
	Processor *hosted.Processor
	Cleaner   *hosted.Cleaner
	Contacts  *contacts.Book
}

// Server owns the gin engine and the per-domain background workers.
type Server struct {
	cfg      Config
	domains  *domain.Manager
	users    *userdata.Store
	engine   *gin.Engine
	runtimes map[string]*DomainRuntime
	logger   *zap.Logger
	httpSrv  *http.Server
}

// New assembles a Server over an already-populated registry and router.
// tokens may be nil to run without bearer-token identification.
func New(cfg Config, reg *registry.Registry, rt *router.Router,
	tokens *identity.TokenIssuer, policy hosted.ApprovalPolicy, logger *zap.Logger) (*Server, error) {
	if cfg.BodyLimitBytes <= 0 {
		cfg.BodyLimitBytes = 1 << 20
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = 7 * 24 * time.Hour
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = 24 * time.Hour
	}

	users := userdata.NewStore(logger)
	domains := domain.NewManager(cfg.DataRoot, cfg.Domains, logger)

	s := &Server{
		cfg:      cfg,
		domains:  domains,
		users:    users,
		runtimes: make(map[string]*DomainRuntime),
		logger:   logger,
	}

	for _, entry := range domains.Served() {
		host, port := domains.ResolveHostHeader(entry)
		queue, err := hosted.NewQueue(filepath.Join(domains.BasePath(host, port), "hosted_did_queue"), logger)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", entry, err)
		}
		results, err := hosted.NewResultStore(filepath.Join(domains.BasePath(host, port), "hosted_did_results"), logger)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", entry, err)
		}
		processor := hosted.NewProcessor(queue, results, users,
			host, port, domains.UserHostedPath(host, port),
			cfg.ProcessInterval, policy, logger)
		cleaner, err := hosted.NewCleaner(results, cfg.ResultRetention, cfg.CleanupEvery, logger)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", entry, err)
		}
		s.runtimes[runtimeKey(host, port)] = &DomainRuntime{
			Host:      host,
			Port:      port,
			Queue:     queue,
			Results:   results,
			Processor: processor,
			Cleaner:   cleaner,
			Contacts:  contacts.NewBook(users, domains.UserDIDPath(host, port), tokens, logger),
		}
	}

	s.engine = s.buildEngine(reg, rt, tokens)
	return s, nil
}

// Runtime returns the hosted-DID runtime for a served domain, or nil.
func (s *Server) Runtime(host string, port int) *DomainRuntime {
	return s.runtimes[runtimeKey(domain.NormalizeHost(host), port)]
}

// Domains exposes the domain manager.
func (s *Server) Domains() *domain.Manager {
	return s.domains
}

// Users exposes the user-data store.
func (s *Server) Users() *userdata.Store {
	return s.users
}

// Engine exposes the HTTP handler, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) buildEngine(reg *registry.Registry, rt *router.Router, tokens *identity.TokenIssuer) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  s.cfg.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}
	r.Use(SecurityHeaders())
	r.Use(BodyLimit(s.cfg.BodyLimitBytes))
	if s.cfg.RateLimitRPS > 0 {
		r.Use(RateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitRPS*2))
	}
	r.Use(PrometheusMiddleware())
	r.Use(RequestLogger(s.logger))
	r.Use(identity.OptionalAuth(tokens))

	// Liveness and metrics stay reachable regardless of the Host header.
	r.GET("/", s.statusRoute(reg))
	RegisterMetrics(r)

	wbaHandler := NewWBAHandler(s.domains, s.users, s.logger)
	hostedHandler := NewHostedDIDHandler(s.domains, s.users, s.Runtime, s.cfg.EstimatedSeconds, s.logger)
	agentHandler := NewAgentAPIHandler(rt, s.logger)
	agentHandler.SetContacts(func(host string, port int) *contacts.Book {
		if drt := s.Runtime(host, port); drt != nil {
			return drt.Contacts
		}
		return nil
	})
	if s.cfg.UseFrameworkServer && s.cfg.FrameworkURL != "" {
		agentHandler.SetForwarder(NewForwarder(
			s.cfg.FrameworkURL, s.cfg.FallbackToLocal, s.cfg.ForwardTimeout, s.logger))
		s.logger.Info("forward-to-upstream mode enabled",
			zap.String("upstream", s.cfg.FrameworkURL),
			zap.Bool("fallback_to_local", s.cfg.FallbackToLocal),
		)
	}

	validated := r.Group("/", HostValidation(s.domains))
	wbaHandler.Register(validated.Group("/wba"))
	hostedHandler.Register(validated.Group("/wba/hosted-did"))
	agentHandler.Register(validated)

	return r
}

func (s *Server) statusRoute(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": serviceName,
			"version": serviceVersion,
			"domains": s.domains.Served(),
			"agents":  reg.Len(),
		})
	}
}

// Start launches the background workers and the HTTP listener on addr.
func (s *Server) Start(addr string) error {
	s.StartWorkers()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWorkers starts the per-domain processors and cleanup jobs without
// binding a listener.
func (s *Server) StartWorkers() {
	for _, rt := range s.runtimes {
		rt.Processor.Start()
		rt.Cleaner.Start()
	}
}

// Shutdown stops the listener and the background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	for _, rt := range s.runtimes {
		rt.Processor.Stop()
		rt.Cleaner.Stop()
	}
	return err
}

func runtimeKey(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
