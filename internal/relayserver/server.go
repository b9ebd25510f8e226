// Package relayserver implements the handshake relay: a room-scoped
// REST surface over a key/value store that ferries offer and answer
// payloads between a controller and its participants.
package relayserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/enspurna/enspurna/internal/storage/kv"
)

// Handler serves the relay wire protocol:
//
//	PUT    /{prefix}/{room}/offer   -> 204
//	GET    /{prefix}/{room}/offer   -> 200 | 404
//	PUT    /{prefix}/{room}/answer  -> 204
//	DELETE /{prefix}/{room}/answer  -> 200 | 204 (fetch-and-clear)
//	GET    /{prefix}/health         -> 200
//	GET    /{prefix}/{room}/health  -> 200
//
// Bodies are opaque JSON; the relay never inspects them.
type Handler struct {
	prefix  string
	offers  kv.Bucket
	answers kv.Bucket
}

// New creates a relay handler serving under the given prefix, storing
// offers and answers in the given buckets.
func New(prefix string, offers, answers kv.Bucket) *Handler {
	return &Handler{prefix: prefix, offers: offers, answers: answers}
}

// Router builds the chi router for the relay surface.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/{prefix}", func(r chi.Router) {
		r.Use(h.validatePrefix)
		r.Get("/health", h.health)

		r.Route("/{room}", func(r chi.Router) {
			r.Get("/health", h.roomHealth)
			r.Put("/offer", h.putOffer)
			r.Get("/offer", h.getOffer)
			r.Put("/answer", h.putAnswer)
			r.Delete("/answer", h.deleteAnswer)
		})
	})

	return r
}

func (h *Handler) validatePrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "prefix") != h.prefix {
			http.Error(w, "unknown prefix", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, `{"status":"ok"}`)
}

func (h *Handler) roomHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, fmt.Sprintf(`{"status":"ok","room":%q}`, chi.URLParam(r, "room")))
}

func (h *Handler) putOffer(w http.ResponseWriter, r *http.Request) {
	h.store(w, r, h.offers)
}

func (h *Handler) putAnswer(w http.ResponseWriter, r *http.Request) {
	h.store(w, r, h.answers)
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request, bucket kv.Bucket) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	room := chi.URLParam(r, "room")
	if err := bucket.Store(room, string(body)); err != nil {
		log.Error().Err(err).Str("room", room).Str("bucket", bucket.Name()).Msg("store failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getOffer(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	value, ok, err := h.offers.Get(room)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("get offer failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "offer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, value)
}

func (h *Handler) deleteAnswer(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	value, ok, err := h.answers.Delete(room)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("delete answer failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, value)
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// Server runs the relay handler as an HTTP server with graceful
// shutdown.
type Server struct {
	addr       string
	handler    *Handler
	httpServer *http.Server
}

// NewServer wraps a handler for serving on addr.
func NewServer(addr string, handler *Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// Run starts the relay server. It blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.handler.Router(),
	}

	log.Info().Str("addr", s.addr).Msg("starting relay server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("relay server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
