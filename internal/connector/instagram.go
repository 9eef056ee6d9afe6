// ABOUTME: Instagram messaging connector over the Graph-style send API
// ABOUTME: Recipient-keyed sends, messaging webhook parsing with read receipts

package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/store"
)

// Instagram sends through the Graph-style messaging endpoint and parses
// the page-messaging webhook envelope.
type Instagram struct {
	graph         *graphClient
	webhookSecret string
}

var _ Connector = (*Instagram)(nil)

func NewInstagram(cfg *store.ChannelConfig, httpClient *http.Client) *Instagram {
	return &Instagram{
		graph: &graphClient{
			platform: chat.PlatformInstagram,
			baseURL:  cfg.APIBaseURL,
			token:    cfg.Credentials.Token,
			http:     ensureClient(httpClient),
		},
		webhookSecret: cfg.WebhookSecret,
	}
}

func (ig *Instagram) Platform() chat.Platform { return chat.PlatformInstagram }

type igSendRequest struct {
	Recipient     igID          `json:"recipient"`
	Message       igMessageBody `json:"message"`
	MessagingType string        `json:"messaging_type"`
}

type igID struct {
	ID string `json:"id"`
}

type igMessageBody struct {
	Text string `json:"text"`
}

type igSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (ig *Instagram) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	payload := igSendRequest{
		Recipient:     igID{ID: req.PlatformUserID},
		Message:       igMessageBody{Text: req.Message.Content},
		MessagingType: "RESPONSE",
	}

	var resp igSendResponse
	if err := ig.graph.postJSON(ctx, "/me/messages", payload, &resp); err != nil {
		return nil, err
	}
	if resp.MessageID == "" {
		return nil, transientErr(chat.PlatformInstagram, "", "send response carried no message id")
	}
	return &SendResult{PlatformMessageID: resp.MessageID, Status: chat.StatusSent}, nil
}

func (ig *Instagram) ValidateCredentials(ctx context.Context) error {
	return ig.graph.get(ctx, "/me")
}

type igWebhook struct {
	Entry []struct {
		Messaging []igMessaging `json:"messaging"`
	} `json:"entry"`
}

type igMessaging struct {
	Sender    igID  `json:"sender"`
	Recipient igID  `json:"recipient"`
	Timestamp int64 `json:"timestamp"` // milliseconds
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Delivery *struct {
		MIDs []string `json:"mids"`
	} `json:"delivery"`
	Read *struct {
		MID string `json:"mid"`
	} `json:"read"`
}

func (ig *Instagram) Webhook(header http.Header, body []byte) ([]*InboundEvent, error) {
	if err := VerifySignature(ig.webhookSecret, header, body); err != nil {
		return nil, err
	}

	var hook igWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, permanentErr(chat.PlatformInstagram, "", "decode webhook: "+err.Error())
	}

	var events []*InboundEvent
	for _, entry := range hook.Entry {
		for _, m := range entry.Messaging {
			at := time.UnixMilli(m.Timestamp).UTC()
			if m.Timestamp <= 0 {
				at = time.Now().UTC()
			}
			switch {
			case m.Message != nil:
				ev := &InboundEvent{
					Kind:              InboundMessage,
					Platform:          chat.PlatformInstagram,
					PlatformUserID:    m.Sender.ID,
					PlatformChatID:    m.Sender.ID,
					PlatformMessageID: m.Message.MID,
					Text:              m.Message.Text,
					At:                at,
				}
				for _, att := range m.Message.Attachments {
					if att.Payload.URL == "" {
						continue
					}
					ev.Attachments = append(ev.Attachments, InboundAttachment{URL: att.Payload.URL})
				}
				events = append(events, ev)
			case m.Delivery != nil:
				for _, mid := range m.Delivery.MIDs {
					events = append(events, &InboundEvent{
						Kind:              InboundStatus,
						Platform:          chat.PlatformInstagram,
						PlatformUserID:    m.Sender.ID,
						PlatformMessageID: mid,
						Status:            chat.StatusDelivered,
						At:                at,
					})
				}
			case m.Read != nil:
				events = append(events, &InboundEvent{
					Kind:              InboundStatus,
					Platform:          chat.PlatformInstagram,
					PlatformUserID:    m.Sender.ID,
					PlatformMessageID: m.Read.MID,
					Status:            chat.StatusRead,
					At:                at,
				})
			}
		}
	}
	return events, nil
}
