package api

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zombor/billstore/internal/bill"
	"github.com/zombor/billstore/internal/imagestore"
	"github.com/zombor/billstore/internal/ingest"
)

// Bills is the record store behind the API
type Bills interface {
	Create(ctx context.Context, in bill.NewRecord) (*bill.Record, error)
	GetByID(ctx context.Context, id int64) (*bill.Record, error)
	GetByRecordID(ctx context.Context, recordID string) (*bill.Record, error)
	UpdateStatus(ctx context.Context, id int64, status bill.Status, description *string) (*bill.Record, error)
	UpdateStatusByRecordID(ctx context.Context, recordID string, status bill.Status, description *string) (*bill.Record, error)
	UpdateFields(ctx context.Context, id int64, patch bill.Patch) (*bill.Record, error)
	ListByTimeRange(ctx context.Context, start, end time.Time, f bill.Filter) iter.Seq2[*bill.Record, error]
	ListByPaymentMethod(ctx context.Context, method string) iter.Seq2[*bill.Record, error]
	Summarize(ctx context.Context, start, end time.Time) (*bill.Summary, error)
	Ping(ctx context.Context) error
}

// Ingester accepts bill uploads for background analysis
type Ingester interface {
	Submit(ctx context.Context, up ingest.Upload) (*ingest.Task, error)
	Task(id string) (*ingest.Task, error)
}

// Server handles HTTP requests for bills
type Server struct {
	bills    Bills
	ingester Ingester
	images   imagestore.Storage
	auth     BasicAuth
	router   chi.Router
}

// NewServer creates a Server with every route registered
func NewServer(bills Bills, ingester Ingester, images imagestore.Storage, auth BasicAuth) *Server {
	s := &Server{
		bills:    bills,
		ingester: ingester,
		images:   images,
		auth:     auth,
		router:   chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger(slog.Default()))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireAuth(s.auth))

		r.Route("/bills", func(r chi.Router) {
			r.Get("/", s.handleListBills)
			r.Post("/", s.handleCreateBill)
			r.Get("/stats", s.handleStats)
			r.Get("/by-record/{recordID}", s.handleGetByRecordID)
			r.Put("/by-record/{recordID}/status", s.handleUpdateStatusByRecordID)
			r.Get("/by-payment/{method}", s.handleListByPayment)
			r.Get("/{id}", s.handleGetBill)
			r.Patch("/{id}", s.handleUpdateFields)
			r.Put("/{id}/status", s.handleUpdateStatus)
			r.Get("/{id}/image", s.handleGetImage)
		})

		r.Post("/analyze-bill", s.handleAnalyzeBill)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Get("/task-status/{taskID}", s.handleGetTask)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
