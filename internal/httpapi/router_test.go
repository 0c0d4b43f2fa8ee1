package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/capsync/internal/auth"
	"github.com/erauner12/capsync/internal/domain"
	"github.com/erauner12/capsync/internal/engine"
)

// stubBackend records enqueued messages and serves a canned summary.
type stubBackend struct {
	msgs         []domain.SyncMessage
	enqueueErr   error
	summary      *engine.Summary
	reconcileErr error
}

func (s *stubBackend) Enqueue(_ context.Context, msg domain.SyncMessage) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *stubBackend) Reconcile(context.Context) (*engine.Summary, error) {
	if s.reconcileErr != nil {
		return nil, s.reconcileErr
	}
	return s.summary, nil
}

const testSecret = "whsec"

func testServer(backend *stubBackend) http.Handler {
	s := &Server{
		Backend:       backend,
		WebhookSecret: testSecret,
		Auth:          auth.Config{StaticToken: "op-token"},
	}
	return s.Routes()
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/todoist/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := testServer(&stubBackend{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestWebhookEnqueuesItemEvent(t *testing.T) {
	backend := &stubBackend{}
	h := testServer(backend)
	body := []byte(`{
		"event_name": "item:updated",
		"user_id": "u1",
		"event_data": {"id":"A1","content":"Buy gloves","labels":["capsync"],"project_id":"P7","priority":3}
	}`)

	rec := postWebhook(t, h, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, backend.msgs, 1)
	msg := backend.msgs[0]
	assert.Equal(t, domain.ActionUpsert, msg.Action)
	assert.Equal(t, "A1", msg.SourceItemID)
	assert.Equal(t, domain.SourceWebhook, msg.Source)
	require.NotNil(t, msg.Snapshot)
	assert.Equal(t, "Buy gloves", msg.Snapshot.Content)
}

func TestWebhookDeleteMapsToArchive(t *testing.T) {
	backend := &stubBackend{}
	h := testServer(backend)
	body := []byte(`{"event_name":"item:deleted","event_data":{"id":"A1"}}`)

	rec := postWebhook(t, h, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, backend.msgs, 1)
	assert.Equal(t, domain.ActionArchive, backend.msgs[0].Action)
	assert.Nil(t, backend.msgs[0].Snapshot)
}

func TestWebhookNoteEventNamesItemByID(t *testing.T) {
	backend := &stubBackend{}
	h := testServer(backend)
	body := []byte(`{"event_name":"note:added","event_data":{"id":"n1","item_id":"A1","content":"hi"}}`)

	rec := postWebhook(t, h, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, backend.msgs, 1)
	assert.Equal(t, "A1", backend.msgs[0].SourceItemID)
	assert.Equal(t, domain.SourceWebhookNested, backend.msgs[0].Source)
	assert.Nil(t, backend.msgs[0].Snapshot)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	backend := &stubBackend{}
	h := testServer(backend)
	body := []byte(`{"event_name":"item:updated","event_data":{"id":"A1"}}`)

	rec := postWebhook(t, h, body, "bm90LXRoZS1tYWM=")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, backend.msgs)

	rec = postWebhook(t, h, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	backend := &stubBackend{}
	h := testServer(backend)
	body := []byte(`{"event_name":"project:added","event_data":{"id":"P1"}}`)

	rec := postWebhook(t, h, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp["status"])
	assert.Empty(t, backend.msgs)
}

func TestQueuePushUnwrapsEnvelope(t *testing.T) {
	backend := &stubBackend{}
	h := testServer(backend)

	inner, err := json.Marshal(domain.SyncMessage{
		Action:       domain.ActionUpsert,
		SourceItemID: "A7",
		Source:       domain.SourceManual,
	})
	require.NoError(t, err)
	envelope, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":       base64.StdEncoding.EncodeToString(inner),
			"message_id": "m1",
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/internal/queue/push", bytes.NewReader(envelope))
	req.Header.Set("Authorization", "Bearer op-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, backend.msgs, 1)
	assert.Equal(t, "A7", backend.msgs[0].SourceItemID)
}

func TestQueuePushRequiresAuth(t *testing.T) {
	backend := &stubBackend{}
	h := testServer(backend)

	req := httptest.NewRequest(http.MethodPost, "/internal/queue/push", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	backend := &stubBackend{summary: &engine.Summary{ActiveFound: 3, Upserted: 3, DurationS: 0.5}}
	h := testServer(backend)

	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	req.Header.Set("Authorization", "Bearer op-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var sum engine.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 3, sum.ActiveFound)

	backend.reconcileErr = errors.New("source unavailable")
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	req.Header.Set("Authorization", "Bearer op-token")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
