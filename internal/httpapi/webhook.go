package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/capsync/internal/domain"
)

// signatureHeader carries the base64 HMAC-SHA256 of the raw body.
const signatureHeader = "X-Todoist-Hmac-SHA256"

// maxWebhookBody caps webhook payload reads.
const maxWebhookBody = 1 << 20

// eventActions maps source webhook event names onto queue actions.
// Unlisted events are acknowledged and dropped.
var eventActions = map[string]domain.Action{
	"item:added":       domain.ActionUpsert,
	"item:updated":     domain.ActionUpsert,
	"item:completed":   domain.ActionUpsert,
	"item:uncompleted": domain.ActionUpsert,
	"note:added":       domain.ActionUpsert,
	"note:updated":     domain.ActionUpsert,
	"item:deleted":     domain.ActionArchive,
}

// webhookEvent is the envelope the source posts.
type webhookEvent struct {
	EventName string          `json:"event_name"`
	UserID    string          `json:"user_id"`
	EventData json.RawMessage `json:"event_data"`
}

// TodoistWebhook validates the HMAC signature, translates the event to
// a SyncMessage, and enqueues it. Intake never processes inline.
func (s *Server) TodoistWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if !s.validSignature(r.Header.Get(signatureHeader), body) {
		log.Warn().Msg("webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	action, ok := eventActions[ev.EventName]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	msg, err := eventMessage(ev, action)
	if err != nil {
		http.Error(w, "malformed event data", http.StatusBadRequest)
		return
	}
	if msg.SourceItemID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err := s.Backend.Enqueue(r.Context(), msg); err != nil {
		log.Error().Err(err).Str("event", ev.EventName).Msg("webhook enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	log.Debug().Str("event", ev.EventName).Str("item_id", msg.SourceItemID).Msg("webhook queued")
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) validSignature(header string, body []byte) bool {
	if s.WebhookSecret == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.WebhookSecret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

// eventMessage extracts the SyncMessage from the event payload. Item
// events carry the item inline as a fresh snapshot; note events name
// the item by id only.
func eventMessage(ev webhookEvent, action domain.Action) (domain.SyncMessage, error) {
	msg := domain.SyncMessage{Action: action, Source: domain.SourceWebhook}

	if strings.HasPrefix(ev.EventName, "note:") {
		var note struct {
			ItemID string `json:"item_id"`
		}
		if err := json.Unmarshal(ev.EventData, &note); err != nil {
			return msg, err
		}
		msg.SourceItemID = note.ItemID
		msg.Source = domain.SourceWebhookNested
		return msg, nil
	}

	var item domain.Item
	if err := json.Unmarshal(ev.EventData, &item); err != nil {
		return msg, err
	}
	msg.SourceItemID = item.ID
	if action == domain.ActionUpsert {
		msg.Snapshot = &item
	}
	return msg, nil
}

// pushEnvelope is the wrapped message the queue push endpoint accepts:
// the inner SyncMessage rides base64-encoded in message.data.
type pushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"message_id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// QueuePush unwraps a pushed envelope and enqueues the inner message.
func (s *Server) QueuePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Message.Data) == 0 {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	var msg domain.SyncMessage
	if err := json.Unmarshal(env.Message.Data, &msg); err != nil || msg.SourceItemID == "" {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}
	if msg.Action == "" {
		msg.Action = domain.ActionUpsert
	}
	if msg.Source == "" {
		msg.Source = domain.SourceManual
	}

	if err := s.Backend.Enqueue(r.Context(), msg); err != nil {
		log.Error().Err(err).Msg("queue push enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}
