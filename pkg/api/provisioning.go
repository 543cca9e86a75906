// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/connector"
	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

type contextKey string

const userContextKey contextKey = "user_id"

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PATCH")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks the shared secret and stores the acting user from
// the user_id query parameter in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusBadRequest, "Missing Authorization header")
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			writeError(w, http.StatusBadRequest, "Malformed Authorization header")
			return
		}
		secret := s.config.API.SharedSecret
		if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			writeError(w, http.StatusForbidden, "Invalid token")
			return
		}
		userID := id.UserID(r.URL.Query().Get("user_id"))
		if userID == "" {
			writeError(w, http.StatusBadRequest, "Missing user_id query param")
			return
		}
		if _, _, err := userID.Parse(); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid user_id query param")
			return
		}
		log := hlog.FromRequest(r).With().Stringer("user_id", userID).Logger()
		ctx := context.WithValue(log.WithContext(r.Context()), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) id.UserID {
	return r.Context().Value(userContextKey).(id.UserID)
}

func readJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil || json.Unmarshal(data, into) != nil {
		writeError(w, http.StatusBadRequest, "Malformed JSON")
		return false
	}
	return true
}

// ownedTenant returns the app of the requesting user, writing the error
// response when they have none.
func (s *Server) ownedTenant(w http.ResponseWriter, r *http.Request) *database.Tenant {
	tenant, err := s.bridge.Tenants.ResolveByOwner(r.Context(), requestUser(r))
	if errors.Is(err, connector.ErrTenantNotFound) {
		writeError(w, http.StatusForbidden, "You don't have a registered gs_app")
		return nil
	} else if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to resolve app of user")
		writeError(w, http.StatusInternalServerError, "Failed to get your gs_app")
		return nil
	}
	return tenant
}

// roomPortal returns the portal of a room, writing the error response when
// the room isn't a portal.
func (s *Server) roomPortal(w http.ResponseWriter, r *http.Request, roomID id.RoomID) *connector.Portal {
	portal, err := s.bridge.GetPortalByRoomID(r.Context(), roomID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Stringer("room_id", roomID).Msg("Failed to get portal")
		writeError(w, http.StatusInternalServerError, "Failed to get room "+roomID.String())
		return nil
	} else if portal == nil {
		writeError(w, http.StatusBadRequest, "Failed to get room "+roomID.String())
		return nil
	}
	return portal
}

// writeBridgeError maps engine errors to HTTP statuses.
func writeBridgeError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, connector.ErrNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, connector.ErrInvalidPhone), errors.Is(err, gupshup.ErrInvalidInteractive):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, connector.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, connector.ErrNoRoom), errors.Is(err, connector.ErrPortalClosed), errors.Is(err, connector.ErrNotInRoom):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, connector.ErrDuplicateOwner), errors.Is(err, connector.ErrDuplicatePhone), errors.Is(err, connector.ErrDuplicateName):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		var apiErr *gupshup.APIError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		hlog.FromRequest(r).Err(err).Msg("Failed to " + action)
		writeError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

type registerAppRequest struct {
	Name   string `json:"gs_app_name"`
	Phone  string `json:"gs_app_phone"`
	APIKey string `json:"api_key"`
	AppID  string `json:"app_id"`
}

func (s *Server) registerApp(w http.ResponseWriter, r *http.Request) {
	var req registerAppRequest
	if !readJSON(w, r, &req) {
		return
	}
	switch {
	case req.Name == "":
		writeMissingField(w, "gs_app_name")
		return
	case req.Phone == "":
		writeMissingField(w, "gs_app_phone")
		return
	case req.APIKey == "":
		writeMissingField(w, "api_key")
		return
	case req.AppID == "":
		writeMissingField(w, "app_id")
		return
	}
	_, err := s.bridge.Tenants.Register(r.Context(), req.Name, requestUser(r), req.AppID, req.APIKey, req.Phone)
	if err != nil {
		writeBridgeError(w, r, err, "register gs_app")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Gupshup application has been created"})
}

func (s *Server) updateApp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.APIKey == "" {
		writeMissingField(w, "api_key")
		return
	}
	tenant, err := s.bridge.Tenants.RotateCredentials(r.Context(), requestUser(r), req.APIKey)
	if errors.Is(err, connector.ErrTenantNotFound) {
		writeError(w, http.StatusUnprocessableEntity, "You don't have a registered gs_app")
		return
	} else if err != nil {
		writeBridgeError(w, r, err, "update gs_app")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "The gs_app " + tenant.AppID + " has been updated"})
}

type startPMResponse struct {
	RoomID      id.RoomID `json:"room_id"`
	JustCreated bool      `json:"just_created"`
	ChatID      string    `json:"chat_id"`
	OtherUser   otherUser `json:"other_user"`
}

type otherUser struct {
	MXID        id.UserID `json:"mxid"`
	Displayname string    `json:"displayname,omitempty"`
}

func (s *Server) startPM(w http.ResponseWriter, r *http.Request) {
	tenant := s.ownedTenant(w, r)
	if tenant == nil {
		return
	}
	portal, created, err := s.bridge.CreateOrGetPortal(r.Context(), tenant, mux.Vars(r)["number"])
	if err != nil {
		writeBridgeError(w, r, err, "start chat")
		return
	}
	resp := startPMResponse{
		RoomID:      portal.RoomID(),
		JustCreated: created,
		ChatID:      portal.ChatID,
		OtherUser:   otherUser{MXID: s.bridge.Puppets.ResolveRoomIdentity(portal.Phone)},
	}
	if puppet, err := s.bridge.Puppets.GetOrCreate(r.Context(), portal.Phone); err == nil {
		resp.OtherUser.Displayname = puppet.Name
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

type templateRequest struct {
	RoomID     id.RoomID `json:"room_id"`
	TemplateID string    `json:"template_id"`
	Variables  []string  `json:"variables"`
	// Message is posted to the room in place of the generated summary.
	Message string `json:"template_message"`
}

func (s *Server) sendTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.RoomID == "" {
		writeMissingField(w, "room_id")
		return
	} else if req.TemplateID == "" {
		writeMissingField(w, "template_id")
		return
	}
	portal := s.roomPortal(w, r, req.RoomID)
	if portal == nil {
		return
	}
	eventID, err := s.bridge.SendTemplate(r.Context(), portal, requestUser(r), req.TemplateID, req.Variables, req.Message)
	if err != nil {
		writeBridgeError(w, r, err, "send template")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detail": "Template has been sent", "event_id": eventID})
}

type interactiveRequest struct {
	RoomID      id.RoomID                   `json:"room_id"`
	Interactive *gupshup.InteractiveMessage `json:"interactive_message"`
}

func (s *Server) sendInteractive(w http.ResponseWriter, r *http.Request) {
	var req interactiveRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.RoomID == "" {
		writeMissingField(w, "room_id")
		return
	} else if req.Interactive == nil {
		writeMissingField(w, "interactive_message")
		return
	}
	portal := s.roomPortal(w, r, req.RoomID)
	if portal == nil {
		return
	}
	eventID, err := s.bridge.SendInteractive(r.Context(), portal, requestUser(r), req.Interactive)
	if err != nil {
		writeBridgeError(w, r, err, "send interactive message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detail": req.Interactive.Text(), "event_id": eventID})
}

// ownedPortal resolves room_id to a portal of the requesting user's app.
func (s *Server) ownedPortal(w http.ResponseWriter, r *http.Request, roomID id.RoomID) *connector.Portal {
	tenant := s.ownedTenant(w, r)
	if tenant == nil {
		return nil
	}
	portal := s.roomPortal(w, r, roomID)
	if portal == nil {
		return nil
	} else if portal.TenantName() != tenant.Name {
		writeError(w, http.StatusForbidden, "The room doesn't belong to your gs_app")
		return nil
	}
	return portal
}

func (s *Server) setRelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID id.RoomID `json:"room_id"`
		// Relay defaults to the requesting user.
		Relay id.UserID `json:"relay_user_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.RoomID == "" {
		writeMissingField(w, "room_id")
		return
	}
	portal := s.ownedPortal(w, r, req.RoomID)
	if portal == nil {
		return
	}
	if req.Relay == "" {
		req.Relay = requestUser(r)
	}
	if err := s.bridge.SetRelayOwner(r.Context(), portal, req.Relay); err != nil {
		writeBridgeError(w, r, err, "set relay")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detail": "Relay has been set", "relay_user_id": req.Relay})
}

func (s *Server) setPowerLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID     id.RoomID `json:"room_id"`
		UserID     id.UserID `json:"user_id"`
		PowerLevel *int      `json:"power_level"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	switch {
	case req.RoomID == "":
		writeMissingField(w, "room_id")
		return
	case req.UserID == "":
		writeMissingField(w, "user_id")
		return
	case req.PowerLevel == nil:
		writeMissingField(w, "power_level")
		return
	}
	portal := s.ownedPortal(w, r, req.RoomID)
	if portal == nil {
		return
	}
	if err := s.bridge.SetRoomPowerLevel(r.Context(), portal, req.UserID, *req.PowerLevel); err != nil {
		writeBridgeError(w, r, err, "set power level")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detail": "Power level has been set"})
}

type doublePuppetRequest struct {
	Phone         string    `json:"phone"`
	UserID        id.UserID `json:"user_id"`
	AccessToken   string    `json:"access_token"`
	HomeserverURL string    `json:"homeserver_url"`
}

// setDoublePuppet stores or clears the Matrix account that sends messages
// of a WhatsApp contact. An empty access_token clears it.
func (s *Server) setDoublePuppet(w http.ResponseWriter, r *http.Request) {
	if s.ownedTenant(w, r) == nil {
		return
	}
	var req doublePuppetRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Phone == "" {
		writeMissingField(w, "phone")
		return
	} else if req.AccessToken != "" && req.UserID == "" {
		writeMissingField(w, "user_id")
		return
	}
	phone, err := connector.NormalizePhone(req.Phone)
	if err != nil {
		writeBridgeError(w, r, err, "set double puppet")
		return
	}
	puppet, err := s.bridge.Puppets.SetDoublePuppet(r.Context(), phone, req.UserID, req.AccessToken, req.HomeserverURL)
	if err != nil {
		writeBridgeError(w, r, err, "set double puppet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detail": "Double puppet has been updated", "custom_mxid": puppet.CustomMXID})
}
