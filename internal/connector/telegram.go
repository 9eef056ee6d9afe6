// ABOUTME: Telegram bot-API connector with markdown-to-HTML rendering
// ABOUTME: sendMessage in HTML parse mode, update webhook parsing, getMe probe

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/store"
)

// Telegram sends through a bot-API-compatible endpoint. Message content is
// markdown; it is rendered to Telegram's HTML parse mode before sending.
type Telegram struct {
	baseURL       string
	token         string
	webhookSecret string
	http          *http.Client
	md            goldmark.Markdown
}

var _ Connector = (*Telegram)(nil)

func NewTelegram(cfg *store.ChannelConfig, httpClient *http.Client) *Telegram {
	return &Telegram{
		baseURL:       cfg.APIBaseURL,
		token:         cfg.Credentials.Token,
		webhookSecret: cfg.WebhookSecret,
		http:          ensureClient(httpClient),
		md:            goldmark.New(),
	}
}

func (t *Telegram) Platform() chat.Platform { return chat.PlatformTelegram }

func (t *Telegram) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

type tgSendRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type tgMessage struct {
	MessageID int64 `json:"message_id"`
	From      struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
		Username  string `json:"username"`
	} `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Date     int64  `json:"date"`
	Text     string `json:"text"`
	Document *struct {
		FileName string `json:"file_name"`
		MIMEType string `json:"mime_type"`
		FileSize int64  `json:"file_size"`
		FileURL  string `json:"file_url"`
	} `json:"document"`
}

func (t *Telegram) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	html, err := t.renderHTML(req.Message.Content)
	if err != nil {
		return nil, permanentErr(chat.PlatformTelegram, "", "render content: "+err.Error())
	}

	payload := tgSendRequest{
		ChatID:                req.PlatformUserID,
		Text:                  html,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}

	resp, err := t.call(ctx, "sendMessage", payload)
	if err != nil {
		return nil, err
	}

	var msg tgMessage
	if err := json.Unmarshal(resp.Result, &msg); err != nil || msg.MessageID == 0 {
		return nil, transientErr(chat.PlatformTelegram, "", "send response carried no message id")
	}

	// The bot API ack means the message is in the chat; Telegram has no
	// later per-device receipt, so the ack is the delivery.
	return &SendResult{
		PlatformMessageID: strconv.FormatInt(msg.MessageID, 10),
		Status:            chat.StatusDelivered,
	}, nil
}

func (t *Telegram) ValidateCredentials(ctx context.Context) error {
	if _, err := t.call(ctx, "getMe", struct{}{}); err != nil {
		return err
	}
	return nil
}

func (t *Telegram) call(ctx context.Context, method string, in any) (*tgResponse, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, permanentErr(chat.PlatformTelegram, "", "encode request: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), bytes.NewReader(payload))
	if err != nil {
		return nil, permanentErr(chat.PlatformTelegram, "", "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := t.http.Do(req)
	if err != nil {
		return nil, transientErr(chat.PlatformTelegram, "", "http: "+err.Error())
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, transientErr(chat.PlatformTelegram, "", "read response: "+err.Error())
	}

	var resp tgResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if httpResp.StatusCode >= 500 {
			return nil, transientErr(chat.PlatformTelegram, strconv.Itoa(httpResp.StatusCode), "http status")
		}
		return nil, permanentErr(chat.PlatformTelegram, strconv.Itoa(httpResp.StatusCode), "undecodable response")
	}
	if !resp.OK {
		code := strconv.Itoa(resp.ErrorCode)
		if resp.ErrorCode == 429 || resp.ErrorCode >= 500 {
			return nil, transientErr(chat.PlatformTelegram, code, resp.Description)
		}
		return nil, permanentErr(chat.PlatformTelegram, code, resp.Description)
	}
	return &resp, nil
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

func (t *Telegram) Webhook(header http.Header, body []byte) ([]*InboundEvent, error) {
	if err := VerifySignature(t.webhookSecret, header, body); err != nil {
		return nil, err
	}

	var update tgUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, permanentErr(chat.PlatformTelegram, "", "decode webhook: "+err.Error())
	}
	if update.Message == nil {
		return nil, nil
	}

	msg := update.Message
	at := time.Unix(msg.Date, 0).UTC()
	if msg.Date <= 0 {
		at = time.Now().UTC()
	}
	ev := &InboundEvent{
		Kind:              InboundMessage,
		Platform:          chat.PlatformTelegram,
		PlatformUserID:    strconv.FormatInt(msg.From.ID, 10),
		PlatformChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		PlatformMessageID: strconv.FormatInt(msg.MessageID, 10),
		Text:              msg.Text,
		At:                at,
	}
	if msg.Document != nil && msg.Document.FileURL != "" {
		ev.Attachments = append(ev.Attachments, InboundAttachment{
			URL:      msg.Document.FileURL,
			Filename: msg.Document.FileName,
			MIMEType: msg.Document.MIMEType,
			Size:     msg.Document.FileSize,
		})
	}
	return []*InboundEvent{ev}, nil
}

// renderHTML converts markdown content to the tag subset Telegram's HTML
// parse mode accepts. Block containers goldmark emits are flattened to
// plain newlines.
func (t *Telegram) renderHTML(content string) (string, error) {
	var buf bytes.Buffer
	if err := t.md.Convert([]byte(content), &buf); err != nil {
		return "", err
	}
	return flattenTelegramHTML(buf.String()), nil
}

var telegramBlockFlattener = strings.NewReplacer(
	"<p>", "",
	"</p>", "\n",
	"<br>", "\n",
	"<br/>", "\n",
	"<br />", "\n",
	"<ul>", "",
	"</ul>", "",
	"<ol>", "",
	"</ol>", "",
	"<li>", "- ",
	"</li>", "\n",
	"<h1>", "<b>",
	"</h1>", "</b>\n",
	"<h2>", "<b>",
	"</h2>", "</b>\n",
	"<h3>", "<b>",
	"</h3>", "</b>\n",
	"<blockquote>", "",
	"</blockquote>", "",
	"<hr>", "\n",
	"<hr/>", "\n",
	"<hr />", "\n",
)

func flattenTelegramHTML(html string) string {
	return strings.TrimSpace(telegramBlockFlattener.Replace(html))
}
