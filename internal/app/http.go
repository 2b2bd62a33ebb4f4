package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"waypoint/api/internal/auth"
	"waypoint/api/internal/catalog"
	"waypoint/api/internal/export"
	"waypoint/api/internal/rbac"
)

type HTTPServer struct {
	service    *Service
	exporter   *export.Certificates
	corsOrigin string
}

func NewHTTPServer(service *Service, exporter *export.Certificates, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, exporter: exporter, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SignIn(r.Context(), body.Username, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"role":          session.Role,
			"site":          session.Site,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/records/search" {
		if !s.service.Can(session.Role, rbac.ActionListProgress) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		q := catalog.Query{
			Principal:    strings.TrimSpace(r.URL.Query().Get("principal")),
			ItemNTIID:    strings.TrimSpace(r.URL.Query().Get("item")),
			ContextNTIID: strings.TrimSpace(r.URL.Query().Get("context")),
			Site:         strings.TrimSpace(r.URL.Query().Get("site")),
			Limit:        queryInt(r, "limit", 50),
			Offset:       queryInt(r, "offset", 0),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("awarded")); raw != "" {
			awarded := raw == "true"
			q.Awarded = &awarded
		}
		payload, err := s.service.SearchRecords(r.Context(), q)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/contexts" {
		if !s.service.Can(session.Role, rbac.ActionEditCompletion) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			NTIID       string `json:"ntiid"`
			ContextType string `json:"contextType"`
			Site        string `json:"site"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateContext(r.Context(), body.NTIID, body.ContextType, body.Site)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "admin" {
		s.handleAdmin(w, r, session, parts[2:])
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "contexts" && r.Method == http.MethodGet {
		payload, err := s.service.GetContextInfo(r.Context(), parts[2])
		s.respond(w, payload, err)
		return
	}

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "contexts" && parts[3] == "completion" {
		s.handleCompletion(w, r, session, parts[2], parts[4:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleCompletion dispatches /api/contexts/{cc}/completion/... with
// rest holding the segments after "completion".
func (s *HTTPServer) handleCompletion(w http.ResponseWriter, r *http.Request, session Session, contextID string, rest []string) {
	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[0] {
	case "progress":
		s.handleProgress(w, r, session, contextID, rest[1:])
	case "stats":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.service.Can(session.Role, rbac.ActionListProgress) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		payload, err := s.service.ProgressStats(r.Context(), contextID)
		s.respond(w, payload, err)
	case "completeditems":
		s.handleCompletedItems(w, r, session, contextID, rest[1:])
	case "awarded":
		s.handleAwarded(w, r, session, contextID, rest[1:])
	case "items":
		s.handleItems(w, r, session, contextID, rest[1:])
	case "requireditems":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.RequiredItems(r.Context(), contextID)
		s.respond(w, payload, err)
	case "policy":
		s.handleContextPolicy(w, r, session, contextID)
	case "defaultrequired":
		s.handleDefaultRequired(w, r, session, contextID)
	case "certificate":
		s.handleCertificate(w, r, session, contextID, rest[1:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProgress(w http.ResponseWriter, r *http.Request, session Session, contextID string, rest []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	// Roster view.
	if len(rest) == 0 {
		if !s.service.Can(session.Role, rbac.ActionListProgress) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		payload, err := s.service.ListProgress(r.Context(), contextID)
		s.respond(w, payload, err)
		return
	}

	username := rest[0]
	if !s.canViewUser(session, username) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	if len(rest) == 2 && rest[1] == "details" {
		payload, err := s.service.ProgressDetails(r.Context(), contextID, username)
		s.respond(w, payload, err)
		return
	}
	if len(rest) == 1 {
		payload, err := s.service.UserProgress(r.Context(), contextID, username)
		s.respond(w, payload, err)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCompletedItems(w http.ResponseWriter, r *http.Request, session Session, contextID string, rest []string) {
	if r.Method == http.MethodGet && len(rest) == 1 {
		username := rest[0]
		if !s.canViewUser(session, username) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		successOnly := r.URL.Query().Get("successOnly") == "true"
		payload, lastModified, err := s.service.CompletedItems(r.Context(), contextID, username, successOnly)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if lastModified != nil {
			w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && len(rest) == 0 {
		if !s.service.Can(session.Role, rbac.ActionEditCompletion) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Principal     string     `json:"principal"`
			ItemNTIID     string     `json:"itemNtiid"`
			CompletedDate *time.Time `json:"completedDate"`
			Success       *bool      `json:"success"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		completedDate := time.Time{}
		if body.CompletedDate != nil {
			completedDate = *body.CompletedDate
		}
		success := true
		if body.Success != nil {
			success = *body.Success
		}
		payload, err := s.service.RecordCompletion(r.Context(), contextID, body.ItemNTIID,
			body.Principal, completedDate, success)
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodDelete && len(rest) == 2 {
		if !s.service.Can(session.Role, rbac.ActionEditCompletion) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		if err := s.service.RemoveCompletion(r.Context(), contextID, rest[1], rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleAwarded(w http.ResponseWriter, r *http.Request, session Session, contextID string, rest []string) {
	if r.Method == http.MethodGet && len(rest) == 1 {
		username := rest[0]
		if !s.canViewUser(session, username) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		payload, err := s.service.AwardedItems(r.Context(), contextID, username)
		s.respond(w, payload, err)
		return
	}

	if !s.service.Can(session.Role, rbac.ActionAward) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		force := r.URL.Query().Get("force") == "true"
		payload, err := s.service.AwardCompletion(r.Context(), contextID, rest[1], rest[0],
			session.UserName, body.Reason, force)
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodDelete && len(rest) == 2 {
		if err := s.service.RevokeAward(r.Context(), contextID, rest[1], rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleItems(w http.ResponseWriter, r *http.Request, session Session, contextID string, rest []string) {
	if !s.service.Can(session.Role, rbac.ActionEditCompletion) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	if r.Method == http.MethodPost && len(rest) == 0 {
		var body struct {
			NTIID    string `json:"ntiid"`
			MimeType string `json:"mimeType"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpsertItem(r.Context(), contextID, body.NTIID, body.MimeType)
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodDelete && len(rest) == 1 {
		// Sync-driven deletions carry their own container cleanup.
		interactive := r.URL.Query().Get("sync") != "true"
		if err := s.service.DeleteItem(r.Context(), contextID, rest[0], interactive); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(rest) == 2 && rest[1] == "designation" {
		itemID := rest[0]
		switch r.Method {
		case http.MethodPut:
			var body struct {
				State string `json:"state"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			switch body.State {
			case "required":
				payload, err := s.service.SetItemRequired(r.Context(), contextID, itemID, true)
				s.respond(w, payload, err)
			case "optional":
				payload, err := s.service.SetItemRequired(r.Context(), contextID, itemID, false)
				s.respond(w, payload, err)
			case "default":
				payload, err := s.service.ClearItemDesignation(r.Context(), contextID, itemID)
				s.respond(w, payload, err)
			default:
				writeError(w, http.StatusUnprocessableEntity, codeValidation,
					"state must be required, optional, or default", nil)
			}
			return
		case http.MethodDelete:
			payload, err := s.service.ClearItemDesignation(r.Context(), contextID, itemID)
			s.respond(w, payload, err)
			return
		}
	}

	if len(rest) == 2 && rest[1] == "policy" {
		itemID := rest[0]
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ItemPolicy(r.Context(), contextID, itemID)
			s.respond(w, payload, err)
			return
		case http.MethodPut:
			var body struct {
				Count      *int     `json:"count"`
				Percentage *float64 `json:"percentage"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SetItemPolicyThresholds(r.Context(), contextID, itemID,
				body.Count, body.Percentage)
			s.respond(w, payload, err)
			return
		case http.MethodDelete:
			if err := s.service.DeleteItemPolicy(r.Context(), contextID, itemID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleContextPolicy(w http.ResponseWriter, r *http.Request, session Session, contextID string) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.GetContextPolicyInfo(r.Context(), contextID)
		s.respond(w, payload, err)
	case http.MethodPut:
		if !s.service.Can(session.Role, rbac.ActionEditCompletion) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Percentage float64 `json:"percentage"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetContextPolicyPercentage(r.Context(), contextID, body.Percentage)
		s.respond(w, payload, err)
	case http.MethodDelete:
		if !s.service.Can(session.Role, rbac.ActionEditCompletion) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		if err := s.service.DeleteContextPolicy(r.Context(), contextID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDefaultRequired(w http.ResponseWriter, r *http.Request, session Session, contextID string) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.DefaultRequiredMimeTypes(r.Context(), contextID)
		s.respond(w, payload, err)
	case http.MethodPut:
		if !s.service.Can(session.Role, rbac.ActionEditCompletion) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			MimeTypes []string `json:"mimeTypes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetDefaultRequiredMimeTypes(r.Context(), contextID, body.MimeTypes)
		s.respond(w, payload, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleCertificate(w http.ResponseWriter, r *http.Request, session Session, contextID string, rest []string) {
	if r.Method != http.MethodGet || len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if s.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE",
			"Certificate export not configured", nil)
		return
	}
	username := rest[0]
	if !s.canViewUser(session, username) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	payload, err := s.service.UserProgress(r.Context(), contextID, username)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	completed, _ := payload["Completed"].(bool)
	if !completed {
		writeError(w, http.StatusConflict, "NOT_COMPLETED",
			"Context is not completed; no certificate available", nil)
		return
	}
	data, err := s.exporter.Render(r.Context(), export.Certificate{
		Username:     username,
		ContextNTIID: contextID,
		IssuedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("certificate render for %s in %s: %v", username, contextID, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR",
			"Could not render certificate", nil)
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", username+"-certificate.pdf"))
	w.Header().Set("Content-Type", "application/pdf")
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if !s.service.Can(session.Role, rbac.ActionAdmin) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	if r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "rebuild-catalog" {
		// The body is optional; a bare POST rebuilds every site.
		var body struct {
			Sites []string `json:"sites"`
		}
		_ = decodeBody(r, &body)
		payload, err := s.service.RebuildCatalog(r.Context(), body.Sites)
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "purge-ghosts" {
		payload, err := s.service.PurgeGhostRecords(r.Context())
		s.respond(w, payload, err)
		return
	}

	if len(rest) == 3 && rest[0] == "contexts" && rest[2] == "build" && r.Method == http.MethodPost {
		reset := r.URL.Query().Get("reset") == "true"
		user := strings.TrimSpace(r.URL.Query().Get("user"))
		payload, err := s.service.BuildCompletion(r.Context(), rest[1], user, reset)
		s.respond(w, payload, err)
		return
	}

	if len(rest) == 3 && rest[0] == "contexts" && rest[2] == "completions" && r.Method == http.MethodDelete {
		if err := s.service.ResetCompletion(r.Context(), rest[1]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(rest) == 4 && rest[0] == "contexts" && rest[2] == "users" && r.Method == http.MethodGet {
		payload, err := s.service.UserCompletionData(r.Context(), rest[1], rest[3])
		s.respond(w, payload, err)
		return
	}

	if len(rest) == 1 && rest[0] == "users" && r.Method == http.MethodPost {
		var body struct {
			Username    string `json:"username"`
			DisplayName string `json:"displayName"`
			Password    string `json:"password"`
			Role        string `json:"role"`
			Site        string `json:"site"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateUserAccount(r.Context(), body.Username,
			body.DisplayName, body.Password, body.Role, body.Site)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(rest) == 2 && rest[0] == "users" && r.Method == http.MethodDelete {
		if err := s.service.DeleteUser(r.Context(), rest[1]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(rest) == 2 && rest[0] == "contexts" && r.Method == http.MethodDelete {
		if err := s.service.DeleteContext(r.Context(), rest[1]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(rest) == 3 && rest[0] == "sites" && rest[2] == "contexts" && r.Method == http.MethodGet {
		payload, err := s.service.SiteContexts(r.Context(), rest[1])
		s.respond(w, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// canViewUser allows self-access for everyone and roster access for
// roles holding ListProgress.
func (s *HTTPServer) canViewUser(session Session, username string) bool {
	if session.UserName == username {
		return s.service.Can(session.Role, rbac.ActionViewProgress)
	}
	return s.service.Can(session.Role, rbac.ActionListProgress)
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
