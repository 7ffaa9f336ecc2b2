// Package server exposes the HTTP surface: provider webhooks, internal
// triggers, the live event stream, metrics and health.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	twclient "github.com/twilio/twilio-go/client"
	"github.com/zulandar/leaddesk/internal/delivery"
	"github.com/zulandar/leaddesk/internal/dispatch"
	"github.com/zulandar/leaddesk/internal/followup"
	"github.com/zulandar/leaddesk/internal/inbound"
	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Receiver stores inbound messages.
type Receiver interface {
	Receive(ctx context.Context, msg inbound.Message) (inbound.Receipt, error)
}

// Submitter enqueues asynchronous dispatches.
type Submitter interface {
	Submit(req dispatch.Request) error
}

// ReceiptApplier records provider delivery receipts.
type ReceiptApplier interface {
	ApplyReceipt(ctx context.Context, u delivery.StatusUpdate) (bool, error)
}

// Opts holds the server's collaborators.
type Opts struct {
	DB             *gorm.DB
	Port           int
	InternalSecret string
	// WebhookAuthToken is the provider auth token webhook signatures are
	// checked against.
	WebhookAuthToken string
	// PublicURL is the externally visible base URL the provider signs.
	// When empty it is rebuilt from the request.
	PublicURL  string
	Intake     Receiver
	Queue      Submitter
	Dispatcher dispatch.Dispatcher
	Receipts   ReceiptApplier
	FollowUp   followup.Batch
	Hub        *notify.Hub
	Gatherer   prometheus.Gatherer
	// Heartbeat is the SSE keep-alive interval. Defaults to 15s.
	Heartbeat time.Duration
	Logger    *zap.Logger
	Out       io.Writer
}

// Server is the HTTP surface.
type Server struct {
	opts      Opts
	router    *gin.Engine
	log       *zap.Logger
	validator twclient.RequestValidator
}

// New validates opts and builds the router.
func New(opts Opts) (*Server, error) {
	switch {
	case opts.DB == nil:
		return nil, fmt.Errorf("server: db is required")
	case opts.InternalSecret == "":
		return nil, fmt.Errorf("server: internal secret is required")
	case opts.WebhookAuthToken == "":
		return nil, fmt.Errorf("server: webhook auth token is required")
	case opts.Intake == nil || opts.Queue == nil:
		return nil, fmt.Errorf("server: intake and queue are required")
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("server: dispatcher is required")
	case opts.Receipts == nil:
		return nil, fmt.Errorf("server: receipt applier is required")
	case opts.Hub == nil:
		return nil, fmt.Errorf("server: event hub is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		opts:      opts,
		router:    router,
		log:       logx.OrNop(opts.Logger).With(zap.String("component", "server")),
		validator: twclient.NewRequestValidator(opts.WebhookAuthToken),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP. It blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server listening", zap.Int("port", s.opts.Port))
	if s.opts.Out != nil {
		fmt.Fprintf(s.opts.Out, "Lead Desk listening on http://localhost:%d\n", s.opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
