package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/you/pollcast/internal/telegram"
)

const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if secret := s.opts.WebhookSecret; secret != "" {
		got := r.Header.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			s.metrics.IncWebhook("unauthorized")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var update telegram.Update
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&update); err != nil {
		s.metrics.IncWebhook("bad_request")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid JSON body"})
		return
	}

	if update.Message != nil {
		chat := update.Message.ChatHandle()
		// Telegram redelivers non-2xx updates, and a redelivered /start would
		// only hit the code limit, so failures are logged and acknowledged.
		if err := s.reg.HandleChatMessage(r.Context(), chat, update.Message.Text); err != nil {
			log.Printf("http api: webhook update %d chat %s: %v", update.UpdateID, chat, err)
			s.metrics.IncWebhook("error")
		} else {
			s.metrics.IncWebhook("handled")
		}
	} else {
		s.metrics.IncWebhook("ignored")
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
