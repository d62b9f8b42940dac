// Package api serves the certificate management endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caasmo/cloudfront-acme/certstore"
)

const maxBodyBytes = 1 << 16

// CertificateStore is what the endpoints need from the store.
type CertificateStore interface {
	List(ctx context.Context) ([]certstore.Metadata, error)
	Delete(ctx context.Context, name string) error
}

type handlers struct {
	store  CertificateStore
	logger *slog.Logger
}

// NewRouter returns the management API:
//
//	GET  /list-ssl-cert
//	POST /delete-ssl-cert   {"name": "..."} or ?name=...
//	GET  /metrics
func NewRouter(store CertificateStore, logger *slog.Logger) *chi.Mux {
	if store == nil || logger == nil {
		panic("api.NewRouter: received nil store or logger")
	}
	h := &handlers{store: store, logger: logger.With("component", "management_api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(h.logRequests)

	r.Get("/list-ssl-cert", h.listCertificates)
	r.Post("/delete-ssl-cert", h.deleteCertificate)
	r.Delete("/delete-ssl-cert", h.deleteCertificate)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

type listResponse struct {
	Certificates []certstore.Metadata `json:"certificates"`
}

func (h *handlers) listCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list certificates", "error", err)
		writeStoreError(w, err)
		return
	}
	if certs == nil {
		certs = []certstore.Metadata{}
	}
	writeJSON(w, http.StatusOK, listResponse{Certificates: certs})
}

type deleteRequest struct {
	Name string `json:"name"`
}

func (h *handlers) deleteCertificate(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" && r.Body != nil {
		var req deleteRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		name = strings.TrimSpace(req.Name)
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "certificate name is required")
		return
	}

	if err := h.store.Delete(r.Context(), name); err != nil {
		h.logger.Error("Failed to delete certificate", "name", name, "error", err)
		writeStoreError(w, err)
		return
	}
	CertificatesDeleted.Inc()
	h.logger.Info("Deleted certificate", "name", name)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, certstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, certstore.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, certstore.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Info("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
