package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"banter/api/internal/auth"
	"banter/api/internal/clerk"
	"banter/api/internal/media"
	"banter/api/internal/metrics"
	"banter/api/internal/store"
)

// maxWebhookBody bounds how much of a delivery we are willing to read.
const maxWebhookBody = 1 << 20

type HTTPServer struct {
	service    *Service
	verifier   *clerk.Verifier
	normalizer *clerk.Normalizer
	identity   *auth.Verifier
	metrics    *metrics.Collector
	corsOrigin string
}

func NewHTTPServer(service *Service, verifier *clerk.Verifier, normalizer *clerk.Normalizer, identity *auth.Verifier, collector *metrics.Collector, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		verifier:   verifier,
		normalizer: normalizer,
		identity:   identity,
		metrics:    collector,
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Webhook ingress; everything under /api requires a caller identity.
	if r.Method == http.MethodPost && r.URL.Path == "/clerk" {
		s.handleClerkWebhook(w, r)
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

	caller, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/me" {
		writeJSON(w, http.StatusOK, userView(caller))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/users" {
		items, err := s.service.ListOthers(r.Context(), caller.TokenIdentifier)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/conversations" {
		items, err := s.service.ListConversations(r.Context(), caller)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/conversations" {
		var body CreateConversationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateConversation(r.Context(), caller, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, caller)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/video/token" {
		userID := strings.TrimSpace(r.URL.Query().Get("userID"))
		if userID == "" {
			userID = caller.ID
		}
		payload, err := s.service.VideoToken(userID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/media" {
		s.handleMediaUpload(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		s.handleWebSocket(w, r, caller)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "media" {
		if r.Method == http.MethodGet {
			s.handleMediaDownload(w, r, parts[2])
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "conversations" && parts[3] == "messages" {
		conversationID := parts[2]
		switch r.Method {
		case http.MethodGet:
			limit := 0
			if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil {
					writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
					return
				}
				limit = parsed
			}
			items, err := s.service.ListMessages(r.Context(), caller, conversationID, limit)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": items})
			return
		case http.MethodPost:
			var body SendMessageInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SendMessage(r.Context(), caller, conversationID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "conversations" && parts[3] == "kick" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.UserID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
			return
		}
		if err := s.service.KickParticipant(r.Context(), caller, parts[2], body.UserID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleClerkWebhook is the identity-provider ingress. The body must reach
// the verifier as the exact bytes that were signed, so it is read raw and
// only decoded after the signature checks out.
func (s *HTTPServer) handleClerkWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.metrics.RecordDelivery("failed")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not read delivery body", nil)
		return
	}

	deliveryID := r.Header.Get("svix-id")
	timestamp := r.Header.Get("svix-timestamp")
	signature := r.Header.Get("svix-signature")
	if deliveryID == "" || timestamp == "" || signature == "" {
		s.metrics.RecordDelivery("missing_headers")
		writeError(w, http.StatusBadRequest, "MISSING_HEADERS", "Missing signature headers", nil)
		return
	}

	if err := s.verifier.Verify(body, deliveryID, timestamp, signature); err != nil {
		s.metrics.RecordDelivery("rejected_signature")
		log.Printf("webhook: delivery %s rejected: %v", deliveryID, err)
		writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Signature verification failed", nil)
		return
	}

	cmd, err := s.normalizer.Normalize(body)
	if err != nil {
		s.metrics.RecordDelivery("malformed")
		log.Printf("webhook: delivery %s malformed: %v", deliveryID, err)
		writeError(w, http.StatusInternalServerError, "MALFORMED_EVENT", "Could not decode event", nil)
		return
	}

	if err := s.service.Reconcile(r.Context(), cmd); err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) && domainErr.Status == http.StatusNotFound {
			// Redelivery cannot create the missing row, so acknowledge
			// instead of feeding the provider's retry loop.
			s.metrics.RecordDelivery("unrecoverable")
			log.Printf("webhook: delivery %s dropped: %v", deliveryID, err)
			w.WriteHeader(http.StatusOK)
			return
		}
		s.metrics.RecordDelivery("failed")
		log.Printf("webhook: delivery %s failed: %v", deliveryID, err)
		writeError(w, http.StatusInternalServerError, "RECONCILE_FAILED", "Could not apply event", nil)
		return
	}

	if cmd.Op == clerk.OpIgnore {
		s.metrics.RecordDelivery("ignored")
	} else {
		s.metrics.RecordDelivery("accepted")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, caller store.User) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}

	payload, err := s.service.SearchMessages(r.Context(), caller, q, limit, offset)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, err := s.service.UploadMedia(r.Context(), r.Header.Get("Content-Type"), r.ContentLength, r.Body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *HTTPServer) handleMediaDownload(w http.ResponseWriter, r *http.Request, id string) {
	object, info, err := s.service.DownloadMedia(r.Context(), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer object.Close()

	header := w.Header()
	header.Set("Content-Type", info.ContentType)
	header.Set("Cache-Control", "public, max-age=31536000, immutable")
	if info.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, object); err != nil {
		log.Printf("media: stream %s: %v", id, err)
	}
}

// handleWebSocket streams message and presence events addressed to the
// caller. Pure fan-out: a dropped connection just reconnects and the REST
// endpoints remain the source of truth.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request, caller store.User) {
	events, cancel, err := s.service.Subscribe(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("ws: accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// CloseRead pumps control frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if !event.Addressed(caller.ID) {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return store.User{}, false
	}
	identity, err := s.identity.Parse(token)
	if err != nil {
		if errors.Is(err, auth.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Identity verification is not configured", nil)
			return store.User{}, false
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return store.User{}, false
	}
	caller, err := s.service.GetMe(r.Context(), identity.TokenIdentifier)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return store.User{}, false
	}
	return caller, true
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

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs to hijack the connection.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, media.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
