package hub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"walletchat/storage"
)

// blobHandler exposes an offline store so senders and recipients that never
// meet can hand messages over through the hub.
type blobHandler struct {
	store  storage.OfflineStore
	logger zerolog.Logger
}

func (h *blobHandler) put(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, storage.MaxBlobSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "blob too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty blob")
		return
	}

	contentID, err := h.store.Put(r.Context(), data)
	if err != nil {
		h.logger.Error().Err(err).Msg("store blob")
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"contentId": contentID})
}

func (h *blobHandler) get(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	if !storage.ValidContentID(contentID) {
		writeError(w, http.StatusBadRequest, "invalid content id")
		return
	}
	data, err := h.store.Get(r.Context(), contentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("content_id", contentID).Msg("read blob")
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
