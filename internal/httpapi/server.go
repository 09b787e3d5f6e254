// Package httpapi exposes the rendezvous relay's HTTP surface: channel
// allocation, listing, message post/get (both JSON polling and SSE push),
// and deallocation, per spec.md section 4.1.
//
// The router composition follows the chassis pattern in
// hazyhaar-chrc/horos47/core/chassis/server.go: a chi.Router wrapped with
// request-id and panic-recovery middleware, with each concern registering
// its own routes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vikas-parashar/magic-wormhole/internal/metrics"
	"github.com/vikas-parashar/magic-wormhole/internal/relaycore"
	"github.com/vikas-parashar/magic-wormhole/internal/sseframe"
)

// Server wires the channel registry to an HTTP mux.
type Server struct {
	registry *relaycore.Registry
	metrics  *metrics.Registry
	logger   *zap.Logger
	router   chi.Router
}

// New builds the relay's HTTP router.
func New(registry *relaycore.Registry, metricsRegistry *metrics.Registry, logger *zap.Logger) *Server {
	s := &Server{registry: registry, metrics: metricsRegistry, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metricsRegistry.Handler())

	r.Route("/{app}", func(r chi.Router) {
		r.Post("/allocate", s.handleAllocate)
		r.Get("/list", s.handleList)
		r.Post("/{cid}", s.handlePost)
		r.Get("/{cid}", s.handleGet)
		r.Post("/{cid}/deallocate", s.handleDeallocate)
	})

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type welcomeDoc struct {
	CurrentVersion string `json:"current_version,omitempty"`
	MOTD           string `json:"motd,omitempty"`
	Error          string `json:"error,omitempty"`
}

func toWelcomeDoc(w relaycore.Welcome) welcomeDoc {
	return welcomeDoc{CurrentVersion: w.CurrentVersion, MOTD: w.MOTD, Error: w.Error}
}

type allocateRequest struct {
	Side string `json:"side"`
}

type allocateResponse struct {
	Welcome   welcomeDoc `json:"welcome"`
	ChannelID int        `json:"channel-id"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "app")

	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Side == "" {
		writeError(w, http.StatusBadRequest, "missing or invalid \"side\"")
		return
	}

	cid, welcome, err := s.registry.Allocate(r.Context(), appID, req.Side)
	if err != nil {
		s.logger.Error("allocate failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unable to allocate a channel id")
		return
	}

	writeJSON(w, http.StatusOK, allocateResponse{Welcome: toWelcomeDoc(welcome), ChannelID: cid})
}

type listResponse struct {
	Welcome    welcomeDoc `json:"welcome"`
	ChannelIDs []int      `json:"channel-ids"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "app")
	ids, welcome := s.registry.List(appID)
	if ids == nil {
		ids = []int{}
	}
	writeJSON(w, http.StatusOK, listResponse{Welcome: toWelcomeDoc(welcome), ChannelIDs: ids})
}

type postRequest struct {
	Side  string `json:"side"`
	Phase string `json:"phase"`
	Body  string `json:"body"`
}

type messagesResponse struct {
	Welcome  welcomeDoc              `json:"welcome"`
	Messages []relaycore.WireMessage `json:"messages"`
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "app")
	cid, err := parseChannelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Side == "" || req.Phase == "" {
		writeError(w, http.StatusBadRequest, "missing \"side\" or \"phase\"")
		return
	}

	messages, welcome, err := s.registry.Post(r.Context(), appID, cid, req.Side, req.Phase, req.Body)
	if err != nil {
		s.logger.Error("post failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unable to record message")
		return
	}
	if messages == nil {
		messages = []relaycore.WireMessage{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Welcome: toWelcomeDoc(welcome), Messages: messages})
}

// handleGet serves both the JSON polling read and the SSE push stream for a
// channel, keyed on the Accept header (spec.md section 4.1). Per the design
// note in spec.md section 9, both paths are backed by the same registry
// read: the push handler's initial replay is taken from the identical actor
// tick that registers the subscription, so there is no gap between the two.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "app")
	cid, err := parseChannelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if acceptsEventStream(r.Header.Get("Accept")) {
		s.handleGetStream(w, r, appID, cid)
		return
	}

	welcome, messages := s.registry.Snapshot(appID, cid)
	if messages == nil {
		messages = []relaycore.WireMessage{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Welcome: toWelcomeDoc(welcome), Messages: messages})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request, appID string, cid int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, welcome, history := s.registry.SubscribeLive(appID, cid)
	defer s.registry.Unsubscribe(sub)

	enc := sseframe.NewEncoder(w)

	welcomeJSON, err := json.Marshal(toWelcomeDoc(welcome))
	if err != nil {
		return
	}
	if err := enc.WriteEvent("welcome", string(welcomeJSON)); err != nil {
		return
	}

	for _, msg := range history {
		if err := writeMessageEvent(enc, msg); err != nil {
			return
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeMessageEvent(enc, msg); err != nil {
				return
			}
		}
	}
}

func writeMessageEvent(enc *sseframe.Encoder, msg relaycore.WireMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return enc.WriteEvent("", string(body))
}

func acceptsEventStream(accept string) bool {
	if accept == "" {
		return false
	}
	for _, part := range strings.Split(accept, ",") {
		if strings.TrimSpace(part) == "text/event-stream" {
			return true
		}
	}
	return false
}

type deallocateRequest struct {
	Side string `json:"side"`
}

type deallocateResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleDeallocate(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "app")
	cid, err := parseChannelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req deallocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Side == "" {
		writeError(w, http.StatusBadRequest, "missing or invalid \"side\"")
		return
	}

	status, err := s.registry.Deallocate(r.Context(), appID, cid, req.Side)
	if err != nil {
		s.logger.Error("deallocate failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unable to deallocate")
		return
	}
	writeJSON(w, http.StatusOK, deallocateResponse{Status: status})
}

func parseChannelID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "cid")
	cid, err := strconv.Atoi(raw)
	if err != nil || cid < 0 {
		return 0, errors.New("invalid channel id")
	}
	return cid, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: message})
}
