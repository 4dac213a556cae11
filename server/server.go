package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pawmarket/pawmarket/internal/config"
	"github.com/pawmarket/pawmarket/internal/handlers"
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	handlers   *handlers.Handlers
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.buildRouter(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

func (s *Server) Run() error {
	s.logger.Info("server starting", "port", s.cfg.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) buildRouter() *mux.Router {
	return Routes(s.handlers)
}

// Routes builds the HTTP router for the settlement API.
func Routes(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.RequestLogger)
	r.Use(h.MetricsContext)
	r.Use(h.SecurityHeaders)

	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet).Name("health")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Stripe authenticates the webhook with its signature, not a bearer token.
	v1.HandleFunc("/payments/webhook", h.StripeWebhook).Methods(http.MethodPost).Name("payments.webhook")

	api := v1.NewRoute().Subrouter()
	api.Use(h.RequireAuth)
	api.HandleFunc("/payments/create-session", h.CreateCheckoutSession).Methods(http.MethodPost).Name("payments.create_session")
	api.HandleFunc("/payments/verify", h.VerifyCheckoutSession).Methods(http.MethodGet).Name("payments.verify")
	api.HandleFunc("/payments/receipt", h.Receipt).Methods(http.MethodGet).Name("payments.receipt")

	api.HandleFunc("/orders/user", h.ListUserOrders).Methods(http.MethodGet).Name("orders.user")
	api.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet).Name("orders.get")

	api.HandleFunc("/adoptions", h.SubmitAdoption).Methods(http.MethodPost).Name("adoptions.submit")
	api.HandleFunc("/adoptions/user", h.ListUserAdoptions).Methods(http.MethodGet).Name("adoptions.user")
	api.HandleFunc("/adoptions/check/{petId}", h.CheckAdoption).Methods(http.MethodGet).Name("adoptions.check")
	api.HandleFunc("/adoptions/{id}", h.GetAdoption).Methods(http.MethodGet).Name("adoptions.get")
	api.HandleFunc("/adoptions/{id}/cancel", h.CancelAdoption).Methods(http.MethodPut).Name("adoptions.cancel")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(h.RequireAdmin)
	admin.HandleFunc("/adoptions", h.AdminListAdoptions).Methods(http.MethodGet).Name("admin.adoptions")
	admin.HandleFunc("/adoptions/{id}", h.AdminDecideAdoption).Methods(http.MethodPut).Name("admin.adoptions.decide")
	admin.HandleFunc("/pets/{id}/approve", h.AdminApprovePet).Methods(http.MethodPut).Name("admin.pets.approve")
	admin.HandleFunc("/pets/{id}/reject", h.AdminRejectPet).Methods(http.MethodPut).Name("admin.pets.reject")

	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSONError(w, http.StatusNotFound, "not found")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint
}
