// ABOUTME: Tests for the WhatsApp connector against a stub Cloud API server
// ABOUTME: Send success, error classification, and webhook envelope parsing

package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/store"
)

func waTestConfig(baseURL string) *store.ChannelConfig {
	return &store.ChannelConfig{
		Platform:      chat.PlatformWhatsApp,
		Enabled:       true,
		APIBaseURL:    baseURL,
		Credentials:   store.ChannelCredentials{Token: "wa-token"},
		WebhookSecret: "wa-secret",
	}
}

func TestWhatsApp_SendSuccess(t *testing.T) {
	var gotAuth string
	var gotBody waSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.ABC"}},
		})
	}))
	defer srv.Close()

	wa := NewWhatsApp(waTestConfig(srv.URL), srv.Client())
	res, err := wa.Send(context.Background(), testSendRequest())
	require.NoError(t, err)

	assert.Equal(t, "wamid.ABC", res.PlatformMessageID)
	assert.Equal(t, chat.StatusSent, res.Status)
	assert.Equal(t, "Bearer wa-token", gotAuth)
	assert.Equal(t, "whatsapp", gotBody.MessagingProduct)
	assert.Equal(t, "15550001111", gotBody.To)
	assert.Equal(t, "hello", gotBody.Text.Body)
}

func TestWhatsApp_SendErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		retriable bool
	}{
		{"rate limit", 4, true},
		{"invalid token", 190, false},
		{"recipient unavailable", 551, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": tc.name, "code": tc.code},
				})
			}))
			defer srv.Close()

			wa := NewWhatsApp(waTestConfig(srv.URL), srv.Client())
			_, err := wa.Send(context.Background(), testSendRequest())
			require.Error(t, err)

			var de *DeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.retriable, de.Retriable)
		})
	}
}

func TestWhatsApp_Send5xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusBadGateway)
	}))
	defer srv.Close()

	wa := NewWhatsApp(waTestConfig(srv.URL), srv.Client())
	_, err := wa.Send(context.Background(), testSendRequest())
	require.Error(t, err)
	assert.True(t, Retriable(err))
}

const waInboundPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{"changes": [{"value": {
    "messages": [{
      "from": "15550002222",
      "id": "wamid.IN1",
      "timestamp": "1748779200",
      "type": "text",
      "text": {"body": "hi there"}
    }],
    "statuses": [{
      "id": "wamid.OUT9",
      "status": "delivered",
      "timestamp": "1748779260",
      "recipient_id": "15550002222"
    }]
  }}]}]
}`

func TestWhatsApp_WebhookParsesMessagesAndStatuses(t *testing.T) {
	wa := NewWhatsApp(waTestConfig("http://unused"), nil)

	body := []byte(waInboundPayload)
	h := http.Header{}
	h.Set(SignatureHeader, SignBody("wa-secret", body))

	events, err := wa.Webhook(h, body)
	require.NoError(t, err)
	require.Len(t, events, 2)

	msg := events[0]
	assert.Equal(t, InboundMessage, msg.Kind)
	assert.Equal(t, "15550002222", msg.PlatformUserID)
	assert.Equal(t, "wamid.IN1", msg.PlatformMessageID)
	assert.Equal(t, "hi there", msg.Text)
	assert.Equal(t, int64(1748779200), msg.At.Unix())

	st := events[1]
	assert.Equal(t, InboundStatus, st.Kind)
	assert.Equal(t, "wamid.OUT9", st.PlatformMessageID)
	assert.Equal(t, chat.StatusDelivered, st.Status)
}

func TestWhatsApp_WebhookRejectsBadSignature(t *testing.T) {
	wa := NewWhatsApp(waTestConfig("http://unused"), nil)

	body := []byte(waInboundPayload)
	h := http.Header{}
	h.Set(SignatureHeader, "sha256=deadbeef")

	_, err := wa.Webhook(h, body)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestWhatsApp_WebhookParsesAttachments(t *testing.T) {
	wa := NewWhatsApp(waTestConfig("http://unused"), nil)

	payload := `{"entry":[{"changes":[{"value":{"messages":[{
	  "from": "15550002222", "id": "wamid.DOC", "timestamp": "1748779200", "type": "document",
	  "document": {"link": "https://cdn.test/report.pdf", "filename": "report.pdf", "mime_type": "application/pdf", "file_size": 2048}
	}]}}]}]}`
	body := []byte(payload)
	h := http.Header{}
	h.Set(SignatureHeader, SignBody("wa-secret", body))

	events, err := wa.Webhook(h, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Len(t, events[0].Attachments, 1)

	att := events[0].Attachments[0]
	assert.Equal(t, "https://cdn.test/report.pdf", att.URL)
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.MIMEType)
	assert.Equal(t, int64(2048), att.Size)
}
