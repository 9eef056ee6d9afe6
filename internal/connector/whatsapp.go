// ABOUTME: WhatsApp Cloud-API-style connector
// ABOUTME: Text sends, webhook parsing for inbound messages and delivery receipts

package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/store"
)

// WhatsApp sends through a Cloud-API-compatible endpoint and parses the
// business-account webhook envelope.
type WhatsApp struct {
	graph         *graphClient
	webhookSecret string
}

var _ Connector = (*WhatsApp)(nil)

func NewWhatsApp(cfg *store.ChannelConfig, httpClient *http.Client) *WhatsApp {
	return &WhatsApp{
		graph: &graphClient{
			platform: chat.PlatformWhatsApp,
			baseURL:  cfg.APIBaseURL,
			token:    cfg.Credentials.Token,
			http:     ensureClient(httpClient),
		},
		webhookSecret: cfg.WebhookSecret,
	}
}

func (w *WhatsApp) Platform() chat.Platform { return chat.PlatformWhatsApp }

type waSendRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	RecipientType    string     `json:"recipient_type"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             waSendText `json:"text"`
}

type waSendText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (w *WhatsApp) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	payload := waSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               req.PlatformUserID,
		Type:             "text",
		Text:             waSendText{Body: req.Message.Content},
	}

	var resp waSendResponse
	if err := w.graph.postJSON(ctx, "/messages", payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return nil, transientErr(chat.PlatformWhatsApp, "", "send response carried no message id")
	}
	// The API ack means accepted for delivery; DELIVERED arrives by webhook.
	return &SendResult{PlatformMessageID: resp.Messages[0].ID, Status: chat.StatusSent}, nil
}

func (w *WhatsApp) ValidateCredentials(ctx context.Context) error {
	return w.graph.get(ctx, "/me")
}

type waWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []waInboundMessage `json:"messages"`
				Statuses []waInboundStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waInboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Document *waMedia `json:"document,omitempty"`
	Image    *waMedia `json:"image,omitempty"`
}

type waMedia struct {
	Link     string `json:"link"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type waInboundStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

func (w *WhatsApp) Webhook(header http.Header, body []byte) ([]*InboundEvent, error) {
	if err := VerifySignature(w.webhookSecret, header, body); err != nil {
		return nil, err
	}

	var hook waWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, permanentErr(chat.PlatformWhatsApp, "", "decode webhook: "+err.Error())
	}

	var events []*InboundEvent
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				ev := &InboundEvent{
					Kind:              InboundMessage,
					Platform:          chat.PlatformWhatsApp,
					PlatformUserID:    msg.From,
					PlatformChatID:    msg.From, // 1:1 chats are keyed by the counterparty
					PlatformMessageID: msg.ID,
					Text:              msg.Text.Body,
					At:                unixStringTime(msg.Timestamp),
				}
				for _, media := range []*waMedia{msg.Document, msg.Image} {
					if media == nil || media.Link == "" {
						continue
					}
					ev.Attachments = append(ev.Attachments, InboundAttachment{
						URL:      media.Link,
						Filename: media.Filename,
						MIMEType: media.MIMEType,
						Size:     media.FileSize,
					})
				}
				events = append(events, ev)
			}
			for _, st := range change.Value.Statuses {
				status, ok := waStatusValue(st.Status)
				if !ok {
					continue
				}
				events = append(events, &InboundEvent{
					Kind:              InboundStatus,
					Platform:          chat.PlatformWhatsApp,
					PlatformUserID:    st.RecipientID,
					PlatformMessageID: st.ID,
					Status:            status,
					At:                unixStringTime(st.Timestamp),
				})
			}
		}
	}
	return events, nil
}

func waStatusValue(s string) (chat.Status, bool) {
	switch s {
	case "sent":
		return chat.StatusSent, true
	case "delivered":
		return chat.StatusDelivered, true
	case "read":
		return chat.StatusRead, true
	case "failed":
		return chat.StatusFailed, true
	default:
		return "", false
	}
}

func unixStringTime(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
