package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"tollgate/internal/gateway"
	"tollgate/internal/ledger"
	"tollgate/internal/observability"
	"tollgate/internal/realtime"
	"tollgate/internal/recon"
	"tollgate/internal/webhook"

	"github.com/gorilla/websocket"
)

const maxBodyBytes = 1 << 20

// SignatureHeader carries the gateway's HMAC signature on callbacks.
const SignatureHeader = "X-Gateway-Signature"

// RateLimiter throttles payment initiations.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Config carries the server collaborators and settings.
type Config struct {
	Service       *recon.Service
	Hub           *realtime.Hub
	Metrics       *observability.Metrics
	Limiter       RateLimiter
	WebhookSecret string
	Logf          func(format string, args ...any)
}

// Server is the merchant-facing HTTP surface: initiation, the gateway
// callback, status lookup, and the watch socket.
type Server struct {
	service  *recon.Service
	hub      *realtime.Hub
	metrics  *observability.Metrics
	limiter  RateLimiter
	secret   string
	logf     func(format string, args ...any)
	upgrader websocket.Upgrader
}

// NewServer constructs the API server.
func NewServer(cfg Config) *Server {
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Server{
		service: cfg.Service,
		hub:     cfg.Hub,
		metrics: cfg.Metrics,
		limiter: cfg.Limiter,
		secret:  cfg.WebhookSecret,
		logf:    logf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /payments/initiate", s.handleInitiate)
	mux.HandleFunc("POST /payments/callback", s.handleCallback)
	mux.HandleFunc("GET /payments/status/{transactionID}", s.handleStatus)
	mux.HandleFunc("GET /payments/watch", s.handleWatch)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

type initiateRequest struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
}

type initiateResponse struct {
	TransactionID   string `json:"transaction_id"`
	MerchantOrderID string `json:"merchant_order_id"`
	RedirectURL     string `json:"redirect_url"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	span := s.start("initiate")
	var handlerErr error
	defer func() { span.End(handlerErr) }()

	if s.limiter != nil {
		if err := s.limiter.Wait(r.Context()); err != nil {
			handlerErr = err
			writeError(w, http.StatusServiceUnavailable, "rate limited")
			return
		}
	}

	var req initiateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		handlerErr = err
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.service.Initiate(r.Context(), req.OrderID, req.AmountCents)
	if err != nil {
		handlerErr = err
		switch {
		case errors.Is(err, recon.ErrPaymentInProgress):
			writeError(w, http.StatusConflict, "order already has a pending payment")
		case errors.Is(err, gateway.ErrUnavailable):
			writeError(w, http.StatusBadGateway, "payment gateway unavailable")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, initiateResponse{
		TransactionID:   res.TransactionID,
		MerchantOrderID: res.MerchantOrderID,
		RedirectURL:     res.RedirectURL,
	})
}

type callbackResponse struct {
	Status string `json:"status"`
}

// handleCallback ingests a gateway webhook. The response is always 200 so
// the gateway stops retrying; rejected events are journaled and counted, and
// the poller remains the safety net.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	span := s.start("callback")
	var handlerErr error
	defer func() { span.End(handlerErr) }()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		handlerErr = err
		writeJSON(w, http.StatusOK, callbackResponse{Status: "rejected"})
		return
	}

	switch webhook.Verify(body, r.Header.Get(SignatureHeader), s.secret) {
	case webhook.SignatureInvalid:
		s.metrics.AddInvalidSignature()
		s.logf("httpapi: webhook signature verification failed")
		writeJSON(w, http.StatusOK, callbackResponse{Status: "rejected"})
		return
	case webhook.SignatureSkipped:
		s.metrics.AddSkippedSignature()
		s.logf("httpapi: webhook accepted WITHOUT signature verification, no secret configured")
	}

	ev, err := webhook.Normalize(body)
	if err != nil {
		handlerErr = err
		s.metrics.AddUnrecognizedFormat()
		s.logf("httpapi: webhook payload not recognized: %v", err)
		writeJSON(w, http.StatusOK, callbackResponse{Status: "rejected"})
		return
	}

	if _, err := s.service.ApplyOutcome(r.Context(), ev, "webhook"); err != nil {
		handlerErr = err
		s.logf("httpapi: webhook for %s not applied: %v", ev.MerchantOrderID, err)
		writeJSON(w, http.StatusOK, callbackResponse{Status: "rejected"})
		return
	}

	writeJSON(w, http.StatusOK, callbackResponse{Status: "accepted"})
}

type statusResponse struct {
	TransactionID   string `json:"transaction_id"`
	MerchantOrderID string `json:"merchant_order_id"`
	OrderID         string `json:"order_id"`
	AmountCents     int64  `json:"amount_cents"`
	State           string `json:"state"`
	OrderStatus     string `json:"order_status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	span := s.start("status")
	var handlerErr error
	defer func() { span.End(handlerErr) }()

	res, err := s.service.Status(r.Context(), r.PathValue("transactionID"))
	if err != nil {
		handlerErr = err
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		TransactionID:   res.Transaction.TransactionID,
		MerchantOrderID: res.Transaction.MerchantOrderID,
		OrderID:         res.Transaction.OrderID,
		AmountCents:     res.Transaction.AmountCents,
		State:           string(res.Transaction.State),
		OrderStatus:     string(res.OrderStatus),
	})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "watch not enabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("httpapi: websocket upgrade: %v", err)
		return
	}
	s.hub.Register <- conn

	// Drain client frames so closes are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister <- conn
				return
			}
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) start(operation string) *observability.CallSpan {
	if s.metrics == nil {
		return &observability.CallSpan{}
	}
	return s.metrics.Start(operation)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
