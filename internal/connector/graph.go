// ABOUTME: Shared Graph-style JSON API client for the Meta-family connectors
// ABOUTME: Posts JSON with a bearer token and classifies the error envelope

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
)

const defaultHTTPTimeout = 30 * time.Second

func ensureClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// graphClient speaks the Graph-flavored JSON dialect shared by the
// WhatsApp and Instagram messaging APIs.
type graphClient struct {
	platform chat.Platform
	baseURL  string
	token    string
	http     *http.Client
}

type graphErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// postJSON sends in to path and decodes the response into out. Non-2xx
// responses become DeliveryErrors classified by the Graph error code.
func (g *graphClient) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return permanentErr(g.platform, "", "encode request: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return permanentErr(g.platform, "", "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.http.Do(req)
	if err != nil {
		return transientErr(g.platform, "", "http: "+err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transientErr(g.platform, "", "read response: "+err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return g.classify(resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return transientErr(g.platform, "", "decode response: "+err.Error())
		}
	}
	return nil
}

// get probes a path; used for credential validation.
func (g *graphClient) get(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("credential probe returned %d", resp.StatusCode)
	}
	return nil
}

func (g *graphClient) classify(httpStatus int, body []byte) *DeliveryError {
	var envelope graphErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != 0 {
		code := strconv.Itoa(envelope.Error.Code)
		reason := envelope.Error.Message
		if graphCodeRetriable(envelope.Error.Code) {
			return transientErr(g.platform, code, reason)
		}
		return permanentErr(g.platform, code, reason)
	}
	code := strconv.Itoa(httpStatus)
	if httpStatus == http.StatusTooManyRequests || httpStatus >= 500 {
		return transientErr(g.platform, code, "http status "+code)
	}
	return permanentErr(g.platform, code, "http status "+code)
}

// graphCodeRetriable maps Graph error codes to the retry decision.
// Rate limits and transient platform errors retry; token, permission,
// and recipient errors do not.
func graphCodeRetriable(code int) bool {
	switch code {
	case 1, 2: // unknown / temporary platform error
		return true
	case 4, 17, 32, 613: // rate limits
		return true
	case 10, 190, 200, 299: // permission denied / token invalid
		return false
	case 100, 131026, 131047, 551: // bad parameter / recipient unavailable
		return false
	default:
		return false
	}
}
