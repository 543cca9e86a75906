// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api serves the HTTP surface of the bridge: the Gupshup webhook,
// the provisioning API and the Prometheus metrics endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/aiku/mautrix-gupshup/pkg/connector"
)

// maxBodySize caps webhook and provisioning request bodies (1 MB).
const maxBodySize = 1 << 20

// Server routes HTTP requests to the bridge.
type Server struct {
	bridge *connector.Bridge
	config *connector.Config
	log    zerolog.Logger
	router *mux.Router
}

// NewServer builds the router. gatherer is served on the metrics path; a nil
// gatherer leaves the route out.
func NewServer(bridge *connector.Bridge, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		bridge: bridge,
		config: bridge.Config,
		log:    log.With().Str("component", "api").Logger(),
		router: mux.NewRouter(),
	}
	s.router.Use(hlog.NewHandler(s.log))
	s.router.Use(hlog.RequestIDHandler("request_id", ""))

	webhook := s.router.PathPrefix(strings.TrimSuffix(s.config.Gupshup.WebhookPath, "/")).Subrouter()
	webhook.HandleFunc("/receive", s.handleWebhook).Methods(http.MethodPost)

	prov := s.router.PathPrefix(strings.TrimSuffix(s.config.API.ProvisioningPrefix, "/")).Subrouter()
	prov.Use(s.corsMiddleware)
	prov.Use(s.authMiddleware)
	prov.HandleFunc("/v1/register_app", s.registerApp).Methods(http.MethodPost, http.MethodOptions)
	prov.HandleFunc("/v1/update_app", s.updateApp).Methods(http.MethodPatch, http.MethodOptions)
	prov.HandleFunc("/v1/pm/{number}", s.startPM).Methods(http.MethodPost, http.MethodOptions)
	prov.HandleFunc("/v1/template", s.sendTemplate).Methods(http.MethodPost, http.MethodOptions)
	prov.HandleFunc("/v1/interactive_message", s.sendInteractive).Methods(http.MethodPost, http.MethodOptions)
	prov.HandleFunc("/v1/set_relay", s.setRelay).Methods(http.MethodPost, http.MethodOptions)
	prov.HandleFunc("/v1/set_power_level", s.setPowerLevel).Methods(http.MethodPost, http.MethodOptions)
	prov.HandleFunc("/v1/double_puppet", s.setDoublePuppet).Methods(http.MethodPost, http.MethodOptions)

	if gatherer != nil && s.config.API.MetricsPath != "" {
		s.router.Handle(s.config.API.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ErrorResponse is the body of every failed provisioning request.
type ErrorResponse struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeMissingField(w http.ResponseWriter, field string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: field + " not entered", State: "missing-field"})
}
