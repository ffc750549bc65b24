package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"formgate/pkg/admission"
	"formgate/pkg/httpx"
	"formgate/pkg/stream"
)

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			s.Logger.Warn("readiness check failed", zap.Error(err))
			httpx.Error(w, http.StatusServiceUnavailable, admission.CodeStoreUnavailable.String())
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type reloadResponse struct {
	Status    string   `json:"status"`
	Templates []string `json:"templates"`
}

func (s *Server) reloadPolicies(w http.ResponseWriter, _ *http.Request) {
	if s.Reloader == nil {
		httpx.Error(w, http.StatusNotImplemented, "reload_unsupported")
		return
	}
	set, err := s.Reloader.Reload()
	if s.Metrics != nil {
		s.Metrics.IncPolicyReload(err == nil)
	}
	if err != nil {
		s.Logger.Error("policy reload failed, keeping previous set", zap.Error(err))
		httpx.ErrorWithReason(w, http.StatusUnprocessableEntity, "policy_reload_failed", err.Error())
		return
	}
	ids := set.IDs()
	s.Logger.Info("policies reloaded", zap.Strings("templates", ids))
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventReload, map[string]any{"templates": ids}))
	}
	httpx.WriteJSON(w, http.StatusOK, reloadResponse{Status: "reloaded", Templates: ids})
}
