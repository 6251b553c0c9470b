package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"baagent/internal/filestore"
	"baagent/internal/types"
)

// chatEnvelope is the wire shape of every /api/chat response. User-visible
// failures travel inside it with success=false; only malformed requests
// get a non-200 status.
type chatEnvelope struct {
	ConversationID string    `json:"conversation_id"`
	Response       string    `json:"response"`
	Success        bool      `json:"success"`
	TokensUsed     int       `json:"tokens_used"`
	SessionTokens  int       `json:"session_tokens"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	user, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	pair, err := s.auth.IssueTokens(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	claims, err := s.auth.Validate(req.RefreshToken, "refresh")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	user, ok := s.auth.UserByID(claims.Subject)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	// The old refresh token is single-use.
	s.auth.Revoke(claims)
	pair, err := s.auth.IssueTokens(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, requestUser(r))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Validate(bearerToken(r), "access")
	if err == nil {
		s.auth.Revoke(claims)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		Message        string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.agent.Chat(r.Context(), req.ConversationID, req.Message)
	if err != nil {
		if types.KindOf(err) == types.KindBadInput {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Warn("chat turn failed: %v", err)
		writeJSON(w, http.StatusOK, chatEnvelope{
			ConversationID: req.ConversationID,
			Success:        false,
			Timestamp:      time.Now(),
			Error:          err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, chatEnvelope{
		ConversationID: res.ConversationID,
		Response:       res.Response,
		Success:        true,
		TokensUsed:     res.TokensUsed,
		SessionTokens:  res.SessionTokens,
		Timestamp:      time.Now(),
	})
}

// transcriptMessage is the user-facing projection of a transcript
// entry; hidden messages are filtered before this is built.
type transcriptMessage struct {
	Role      types.Role `json:"role"`
	Content   string     `json:"content"`
	ToolName  string     `json:"tool_name,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs := s.agent.Snapshot(id)
	if msgs == nil {
		writeError(w, http.StatusNotFound, "unknown conversation")
		return
	}
	out := make([]transcriptMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Visibility == types.VisibilityHidden {
			continue
		}
		out = append(out, transcriptMessage{
			Role:      m.Role,
			Content:   m.Content,
			ToolName:  m.ToolName,
			CreatedAt: m.CreatedAt,
		})
	}
	stats, _ := s.agent.Stats(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id":  id,
		"messages":         out,
		"session_tokens":   stats.SessionTokens,
		"compaction_count": stats.CompactionCount,
		"created_at":       stats.CreatedAt,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	maxBytes := int64(s.cfg.MaxUploadSizeMB) << 20
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}

	category := types.CategoryUpload
	if c := r.FormValue("category"); c != "" {
		category = types.Category(c)
		if !category.Valid() {
			writeError(w, http.StatusBadRequest, "unknown category")
			return
		}
	}

	ref, err := s.store.Store(r.Context(), content, filestore.StoreOptions{
		Category:  category,
		SessionID: user.ID,
		Filename:  header.Filename,
		Mime:      header.Header.Get("Content-Type"),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	filter := filestore.ListFilter{SessionID: user.ID}
	if c := r.URL.Query().Get("category"); c != "" {
		cat := types.Category(c)
		if !cat.Valid() {
			writeError(w, http.StatusBadRequest, "unknown category")
			return
		}
		filter.Category = cat
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	metas, err := s.store.ListFiles(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": metas})
}

func (s *Server) fileRefFromURL(r *http.Request) (types.FileRef, error) {
	return types.ParseFileRef(chi.URLParam(r, "category") + ":" + chi.URLParam(r, "id"))
}

func (s *Server) handleFetchFile(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	ref, err := s.fileRefFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	content, err := s.store.Retrieve(r.Context(), ref, filestore.Caller{
		SessionID: user.ID,
		UserID:    user.ID,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	ref, err := s.fileRefFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := s.store.Delete(r.Context(), ref, filestore.Caller{
		SessionID: user.ID,
		UserID:    user.ID,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": removed})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps file-store error kinds onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.KindBadInput, types.KindPathViolation:
		status = http.StatusBadRequest
	case types.KindNotPermitted:
		status = http.StatusForbidden
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindSizeExceeded:
		status = http.StatusRequestEntityTooLarge
	case types.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err.Error())
}
