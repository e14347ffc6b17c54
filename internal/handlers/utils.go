package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cutroom-app/cutroom/internal/auth"
	"github.com/cutroom-app/cutroom/internal/errs"
)

// extractCookieToken extracts a named cookie value from "Cookie" header, or returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}

// sessionUserID resolves the caller's identity from the auth cookie. Unlike
// EnsureEphemeralUser it never mints a new identity.
func sessionUserID(r *http.Request) (uuid.UUID, error) {
	cookieHeader := r.Header.Get("Cookie")
	if !strings.Contains(cookieHeader, "auth_token=") {
		return uuid.Nil, errs.Unauthorized("missing auth_token cookie")
	}
	token := extractCookieToken(cookieHeader, "auth_token")
	userIDStr, err := auth.AuthenticateJWT(token)
	if err != nil {
		return uuid.Nil, errs.Forbidden("invalid auth token")
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return uuid.Nil, errs.Forbidden("malformed user id in token")
	}
	return userID, nil
}

// bearerToken extracts a Bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// isServiceCall reports whether the request presents the shared service
// credential.
func (s *Server) isServiceCall(r *http.Request) bool {
	tok := bearerToken(r)
	if tok == "" {
		return false
	}
	return auth.VerifyServiceToken(tok, s.Cfg.ServiceToken)
}

// resolveActor decides who a state-changing request acts for. Service
// credentials must name the user explicitly; sessions act for themselves.
func (s *Server) resolveActor(r *http.Request, explicitUserID uuid.UUID) (uuid.UUID, bool, error) {
	if s.isServiceCall(r) {
		if explicitUserID == uuid.Nil {
			return uuid.Nil, false, errs.Validation("service calls must name a userId")
		}
		s.Logger.WithFields(logrus.Fields{
			"acting_user": explicitUserID.String(),
			"service":     true,
		}).Warn("Service credential acting for user")
		return explicitUserID, true, nil
	}
	userID, err := sessionUserID(r)
	if err != nil {
		return uuid.Nil, false, err
	}
	if explicitUserID != uuid.Nil && explicitUserID != userID {
		return uuid.Nil, false, errs.Forbidden("cannot act for another user without a service credential")
	}
	return userID, false, nil
}

// respondJSON writes v as the JSON response body.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logrus.Warnf("Failed to encode response: %v", err)
		}
	}
}

// respondError maps a domain error onto its HTTP status with a JSON body.
func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, errs.HTTPStatus(err), map[string]string{"error": err.Error()})
}
