package scan

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
)

const (
	// uploads past MaxImageSize still parse so the user gets the size message
	maxUploadBody   = 64 << 20
	maxJSONBody     = 1 << 20
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusFor maps a failure to an HTTP status
func statusFor(err error) int {
	switch KindOf(err) {
	case InvalidType, MissingCredential, NoImage, DriveLinkInvalid, ConfigInvalid:
		return http.StatusBadRequest
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case ExtractionInFlight, ConfirmationRequired:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case ServiceError:
		return http.StatusBadGateway
	case PersistenceError:
		return http.StatusInternalServerError
	}
	if errors.Is(err, ErrNothingPending) || errors.Is(err, context.Canceled) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError writes {"error": {"kind", "message"}}
func writeError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	message := MessageOf(err)
	if kind == "" && statusFor(err) == http.StatusInternalServerError {
		message = "Internal server error"
	}
	writeJSON(w, statusFor(err), map[string]any{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK"))
}

// handleConfig reports what a client needs to know before creating a session
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	driver := ""
	if s.config.Store != nil {
		driver = s.config.Store.Driver()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_api_key":  s.manager.HasDefaultCredential(),
		"version":      s.config.Version,
		"scanner":      s.config.Scanner,
		"store_driver": driver,
	})
}

// handleSearchHistory filters the cached history snapshot
func (s *Server) handleSearchHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.history.Search(r.URL.Query().Get("q")))
}

// handleExportHistory returns the cached history snapshot as a spreadsheet
func (s *Server) handleExportHistory(w http.ResponseWriter, r *http.Request) {
	data, err := ExportXLSX(s.history.Snapshot())
	if err != nil {
		slog.Error("Error exporting history", "error", err)
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="ocr-history.xlsx"`)
	w.Write(data)
}

// handleGetStoreConfig returns the store settings without secrets
func (s *Server) handleGetStoreConfig(w http.ResponseWriter, r *http.Request) {
	if s.config.Store == nil {
		writeError(w, newError(NotFound, "Store configuration is not available", nil))
		return
	}
	writeJSON(w, http.StatusOK, s.config.Store.Config())
}

// handlePutStoreConfig saves new store settings
func (s *Server) handlePutStoreConfig(w http.ResponseWriter, r *http.Request) {
	if s.config.Store == nil {
		writeError(w, newError(NotFound, "Store configuration is not available", nil))
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		writeError(w, newError(ConfigInvalid, "Store configuration is invalid", err))
		return
	}

	if err := s.config.Store.Reconfigure(r.Context(), raw); err != nil {
		slog.Error("Error reconfiguring store", "error", err)
		writeError(w, err)
		return
	}

	slog.Info("Store reconfigured", "driver", s.config.Store.Driver())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Store config saved!"})
}

// handleCreateSession opens a session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session := s.manager.Create()
	writeJSON(w, http.StatusCreated, session.View())
}

// session looks up the session named in the path, writing a 404 when it is missing
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	session, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, newError(NotFound, "Session not found", nil))
		return nil, false
	}
	return session, true
}

// decodeJSON reads a small JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		setCORSHeaders(w)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// handleGetSession returns the session view
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

// handleEndSession closes a session
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if !s.manager.End(r.PathValue("id")) {
		writeError(w, newError(NotFound, "Session not found", nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetCredential stores the API key for a session
func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		APIKey string `json:"api_key"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := session.SetCredential(req.APIKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

// contentTypeFor determines the media type of an uploaded file
func contentTypeFor(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// handleUploadImage ingests a multipart "file" upload
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, ErrTooLarge)
			return
		}
		setCORSHeaders(w)
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		setCORSHeaders(w)
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	upload := Upload{
		Name: header.Filename,
		Type: contentTypeFor(header.Header.Get("Content-Type"), header.Filename),
		Size: header.Size,
	}
	// oversized files are rejected on their declared size without reading them
	if header.Size <= MaxImageSize {
		upload.Data, err = io.ReadAll(f)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			writeError(w, err)
			return
		}
	}

	if err := session.Ingest(r.Context(), upload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

// handleDriveLink ingests an image from a Google Drive share link
func (s *Server) handleDriveLink(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := session.IngestURL(r.Context(), req.URL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

// handleClearImage returns the session to idle
func (s *Server) handleClearImage(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	session.Clear()
	writeJSON(w, http.StatusOK, session.View())
}

// handleConfirm resolves a duplicate warning
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Proceed bool `json:"proceed"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := session.Confirm(req.Proceed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

// handleExtract runs text extraction for the pending image
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	if _, err := session.Extract(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

// handleGeneratePrompt turns the current result into an image-generation prompt
func (s *Server) handleGeneratePrompt(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	prompt, err := session.GeneratePrompt(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

// handleLoadHistoryItem shows a stored scan in the session
func (s *Server) handleLoadHistoryItem(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := session.LoadHistoryItem(r.PathValue("scanID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

// handleDeleteScan removes a stored scan; ?confirm=true is required
func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	confirmed := r.URL.Query().Get("confirm") == "true"
	if err := session.DeleteScan(r.Context(), r.PathValue("scanID"), confirmed); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDismissNotice removes a notice before it expires
func (s *Server) handleDismissNotice(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	if !session.DismissNotice(r.PathValue("noticeID")) {
		writeError(w, newError(NotFound, "Notice not found", nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetBlob serves an image from a blob store that keeps files locally
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	reader, ok := s.history.Blobs().(BlobReader)
	if !ok {
		writeError(w, newError(NotFound, "File not found", nil))
		return
	}
	p := r.PathValue("path")
	data, err := reader.Get(r.Context(), p)
	if err != nil {
		writeError(w, newError(NotFound, "File not found", err))
		return
	}

	contentType := mime.TypeByExtension(path.Ext(p))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}
