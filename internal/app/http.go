package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"patchbay/api/internal/patch"
	"patchbay/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health/db" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, "mongo_error", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mongo": "ok"})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 1 && parts[0] == "templates" {
		if r.Method == http.MethodPost {
			s.handleCreateTemplate(w, r)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	if len(parts) == 2 && parts[0] == "templates" {
		if r.Method == http.MethodGet {
			payload, err := s.service.GetTemplate(r.Context(), parts[1])
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	if len(parts) == 1 && parts[0] == "objects" {
		if r.Method == http.MethodPost {
			s.handleCreateObject(w, r)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	if len(parts) == 2 && parts[0] == "objects" {
		if r.Method == http.MethodGet {
			payload, err := s.service.GetObject(r.Context(), parts[1])
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	if len(parts) == 3 && parts[0] == "objects" && parts[2] == "applyPatch" {
		if r.Method == http.MethodPost {
			s.handleApplyPatch(w, r, parts[1])
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	if len(parts) == 1 && parts[0] == "conversations" {
		switch r.Method {
		case http.MethodPost:
			s.handleCreateConversation(w, r)
		case http.MethodGet:
			payload, err := s.service.ListConversations(r.Context())
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 && parts[0] == "conversations" {
		if r.Method == http.MethodGet {
			payload, err := s.service.GetConversation(r.Context(), parts[1])
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	if len(parts) == 3 && parts[0] == "conversations" {
		s.handleConversationAction(w, r, parts[1], parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
}

func (s *HTTPServer) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		YAML string  `json:"yaml"`
		Name *string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	payload, err := s.service.CreateTemplate(r.Context(), body.YAML, body.Name)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreateObject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Doc json.RawMessage `json:"doc"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if len(body.Doc) == 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "doc is required", nil)
		return
	}
	var doc any
	if err := json.Unmarshal(body.Doc, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body", nil)
		return
	}
	payload, err := s.service.CreateObject(r.Context(), doc)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleApplyPatch(w http.ResponseWriter, r *http.Request, objectID string) {
	var body struct {
		Patch []OpInput `json:"patch"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	payload, err := s.service.ApplyPatch(r.Context(), objectID, body.Patch)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title   string          `json:"title"`
		Initial json.RawMessage `json:"initial"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	payload, err := s.service.CreateConversation(r.Context(), body.Title, body.Initial)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleConversationAction(w http.ResponseWriter, r *http.Request, conversationID, action string) {
	switch action {
	case "title":
		if r.Method != http.MethodPatch {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
			return
		}
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		s.ack(w, s.service.RenameConversation(r.Context(), conversationID, body.Title))
	case "appendStep":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
			return
		}
		var body AppendStepInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		s.ack(w, s.service.AppendStep(r.Context(), conversationID, body))
	case "undo":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
			return
		}
		s.ack(w, s.service.UndoStep(r.Context(), conversationID))
	case "reset":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
			return
		}
		s.ack(w, s.service.ResetSteps(r.Context(), conversationID))
	case "state":
		if r.Method != http.MethodPatch {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
			return
		}
		var body UpdateStateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		s.ack(w, s.service.UpdateConversationState(r.Context(), conversationID, body))
	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) ack(w http.ResponseWriter, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var patchErr *patch.Error
	if errors.As(err, &patchErr) {
		return http.StatusBadRequest, "patch_error", patchErr.Detail, nil
	}
	if errors.Is(err, store.ErrInvalidID) {
		return http.StatusBadRequest, "invalid_id", "Invalid id", nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "not_found", "Not found", nil
	}
	return http.StatusInternalServerError, "mongo_error", err.Error(), nil
}
