// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/absmach/fluxcb/broker"
	"github.com/absmach/fluxcb/delivery"
	"github.com/absmach/fluxcb/queue"
	"github.com/absmach/fluxcb/session"
	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxBodySize = 4 << 20

type establishRequest struct {
	ID            string              `json:"id,omitempty"`
	Addresses     []transport.Address `json:"addresses"`
	Subscriptions []string            `json:"subscriptions,omitempty"`
	Capacity      int                 `json:"capacity,omitempty"`
	Persistent    bool                `json:"persistent,omitempty"`
	Mode          delivery.Mode       `json:"mode,omitempty"`
	// ExportHeaders adds the session id and redelivery count to the
	// properties of every delivered entry.
	ExportHeaders bool `json:"export_headers,omitempty"`
}

type subscriptionRequest struct {
	Filter string `json:"filter"`
}

type entriesResponse struct {
	SessionID string           `json:"session_id"`
	Entries   []*storage.Entry `json:"entries"`
}

type deadLettersResponse struct {
	SessionID   string                `json:"session_id"`
	DeadLetters []*storage.DeadLetter `json:"dead_letters"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	infos := make([]session.Info, len(list))
	for i, sess := range list {
		infos[i] = sess.Info()
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleEstablish(w http.ResponseWriter, r *http.Request) {
	var req establishRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	opts := session.Options{
		ID:            req.ID,
		Addresses:     req.Addresses,
		Subscriptions: req.Subscriptions,
		Capacity:      req.Capacity,
		Persistent:    req.Persistent,
		Mode:          req.Mode,
		ExportHeaders: req.ExportHeaders,
	}

	ctx, span := s.tracer.Start(r.Context(), "session.establish")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", req.ID),
		attribute.Int("session.addresses", len(req.Addresses)),
	)

	sess, err := s.broker.Establish(ctx, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("api_establish_failed",
			slog.String("session_id", req.ID),
			slog.String("error", err.Error()))
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Teardown(r.PathValue("id"), session.ReasonRequested); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.broker.Subscribe(r.PathValue("id"), req.Filter); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Filters contain slashes, so unsubscribe takes the filter as a query parameter.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		http.Error(w, "filter query parameter is required", http.StatusBadRequest)
		return
	}
	if err := s.broker.Unsubscribe(r.PathValue("id"), filter); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse{
		SessionID: sess.ID(),
		Entries:   sess.Queue().Snapshot(),
	})
}

func (s *Server) handleEraseEntry(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	entryID := r.PathValue("entryID")
	if err := sess.Queue().Erase(entryID); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("api_entry_erased",
		slog.String("session_id", sess.ID()),
		slog.String("entry_id", entryID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		http.Error(w, "dead letter store not configured", http.StatusNotImplemented)
		return
	}
	id := r.PathValue("id")
	list, err := s.deadLetters.List(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLettersResponse{SessionID: id, DeadLetters: list})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var msg broker.Message
	if err := decode(w, r, &msg); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if msg.Publisher == "" {
		msg.Publisher = r.RemoteAddr
	}

	ctx, span := s.tracer.Start(r.Context(), "broker.publish")
	defer span.End()
	span.SetAttributes(attribute.String("message.key", msg.Key))

	res, err := s.broker.Publish(ctx, msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, broker.ErrRateLimited) {
			s.logger.Warn("api_publish_failed",
				slog.String("key", msg.Key),
				slog.String("error", err.Error()))
		}
		s.writeError(w, err)
		return
	}
	span.SetAttributes(
		attribute.Int("publish.matched", res.Matched),
		attribute.Int("publish.queued", res.Queued),
	)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api_request_failed", slog.String("error", err.Error()))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	var verr validation.Errors
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrExists),
		errors.Is(err, queue.ErrInFlight),
		errors.Is(err, queue.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, broker.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, broker.ErrInvalidFilter),
		errors.Is(err, broker.ErrInvalidKey),
		errors.Is(err, delivery.ErrNoAddresses),
		errors.Is(err, transport.ErrUnknownProtocol),
		errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrDead):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
