// Package main provides the HTTP API server that records transactions and their outbox events.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jnst/microbank-transactions/internal/config"
	"github.com/jnst/microbank-transactions/internal/database"
	"github.com/jnst/microbank-transactions/internal/logger"
	"github.com/jnst/microbank-transactions/internal/model"
	"github.com/jnst/microbank-transactions/internal/repository"
	"github.com/jnst/microbank-transactions/internal/service"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	headerIdempotencyKey   = "Idempotency-Key"
	headerReplayed         = "Idempotent-Replayed"
	failedToEncodeResponse = "failed to encode response"
	requestTimeout         = 30 * time.Second
	shutdownTimeout        = 10 * time.Second
	maxBodyBytes           = 1 << 20
	exitCode               = 1
)

// APIServer handles HTTP requests for transaction management.
type APIServer struct {
	transactionService service.TransactionService
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(transactionService service.TransactionService) *APIServer {
	return &APIServer{
		transactionService: transactionService,
	}
}

// Routes builds the router serving every endpoint.
func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))

	r.Get("/health", s.HealthCheck)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/transactions", s.CreateTransaction)
		v1.Get("/accounts/{accountID}/transactions", s.ListAccountTransactions)
	})

	return r
}

type createTransactionRequest struct {
	AccountID   string `json:"account_id"`
	Kind        string `json:"kind"`
	AmountCents int64  `json:"amount_cents"`
}

type createTransactionResponse struct {
	ID     string                  `json:"id"`
	Status model.TransactionStatus `json:"status"`
}

// CreateTransaction handles POST /v1/transactions. The idempotency key is
// taken from the Idempotency-Key header; a replay answers 200 with the
// original transaction instead of 201.
func (s *APIServer) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	result, err := s.transactionService.CreateTransaction(r.Context(), &model.CreateTransactionParams{
		AccountID:      req.AccountID,
		Kind:           req.Kind,
		AmountCents:    req.AmountCents,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		w.Header().Set(headerReplayed, "true")
		status = http.StatusOK
	}

	writeJSON(w, status, createTransactionResponse{
		ID:     result.Transaction.ID,
		Status: result.Transaction.Status,
	})
}

// ListAccountTransactions handles GET /v1/accounts/{accountID}/transactions.
func (s *APIServer) ListAccountTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}

		limit = parsed
	}

	txs, err := s.transactionService.ListAccountTransactions(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// HealthCheck handles GET /health endpoint for service health check.
func (*APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (*APIServer) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if model.IsValidationError(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path),
		slog.String("request_id", chimiddleware.GetReqID(r.Context())),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewPool(ctx, cfg.DatabaseURL, database.Options{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer dbPool.Close()

	transactionRepo := repository.NewTransactionRepositoryImpl(dbPool)
	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	transactionMgr := repository.NewTransactionManagerImpl(dbPool)
	transactionService := service.NewTransactionServiceImpl(transactionRepo, outboxRepo, transactionMgr)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewAPIServer(transactionService).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down server", slog.String("error", err.Error()))
		}
	}()

	slog.Info("starting API server", slog.String("service", "api"), slog.String("port", cfg.Port))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("failed to start server", slog.String("error", err.Error()))
		return
	}

	slog.Info("API server stopped")
}
