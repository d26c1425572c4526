package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/mux"

	"github.com/whatsapp-automation/engine/internal/messaging"
)

// GET /accounts/{id}/conversations?limit=
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()

	convs, err := s.Messaging.Conversations(ctx, tenantOf(r), id, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, convs)
}

// SendTextRequest for POST /accounts/{id}/messages
type SendTextRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (r SendTextRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ChatID, validation.Required),
		validation.Field(&r.Text, validation.Required, validation.Length(1, 65536)),
	)
}

// POST /accounts/{id}/messages
func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req SendTextRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()

	sent, err := s.Messaging.SendText(ctx, tenantOf(r), id, req.ChatID, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sent)
}

// POST /accounts/{id}/files (multipart: chat_id, caption, file)
func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUpload)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, messaging.ErrFileTooLarge)
			return
		}
		writeFailure(w, http.StatusBadRequest, CodeBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		writeFailure(w, http.StatusBadRequest, CodeValidation, "chat_id: cannot be blank.")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeFailure(w, http.StatusBadRequest, CodeValidation, "file: cannot be blank.")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	ctx, cancel := s.withDeadline(w, r, longTimeout)
	defer cancel()

	sent, err := s.Messaging.SendFile(ctx, tenantOf(r), id, chatID, data, header.Filename, r.FormValue("caption"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sent)
}

// GET /accounts/{id}/chats/{chat}/history?limit=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()

	msgs, err := s.Messaging.History(ctx, tenantOf(r), id, mux.Vars(r)["chat"], queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, msgs)
}

// GET /accounts/{id}/chats/{chat}/search?q=&limit=
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeFailure(w, http.StatusBadRequest, CodeValidation, "q: cannot be blank.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()

	msgs, err := s.Messaging.Search(ctx, tenantOf(r), id, mux.Vars(r)["chat"], query, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, msgs)
}

// GET /accounts/{id}/chats/{chat}/messages/{msg}/media
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)

	ctx, cancel := s.withDeadline(w, r, longTimeout)
	defer cancel()

	media, err := s.Messaging.DownloadMedia(ctx, tenantOf(r), id, vars["chat"], vars["msg"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", media.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(media.Data)))
	if media.FileName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": media.FileName}))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(media.Data)
}
