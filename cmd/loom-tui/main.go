// ABOUTME: Terminal client for loom-gateway with readline-style input and a live event stream.
// ABOUTME: Watches /ws/chat for one user and posts typed lines as messages.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// liveFrame mirrors the JSON frames the gateway pushes over /ws/chat.
type liveFrame struct {
	Type    string       `json:"type"`
	Message *liveMessage `json:"message,omitempty"`
	Status  *liveStatus  `json:"status,omitempty"`
}

type liveMessage struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	FileIDs        []string  `json:"fileIds"`
	Channel        string    `json:"channel"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

type liveStatus struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

// sendBody is the JSON body sent to POST /messages.
type sendBody struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
}

// sendAck is the 202 response from POST /messages.
type sendAck struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// historyPage is the response from GET /conversations/{id}/messages.
type historyPage struct {
	Messages []liveMessage `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

// statusInfo is the response from GET /messages/{id}/status.
type statusInfo struct {
	MessageID     string `json:"messageId"`
	Status        string `json:"status"`
	StatusHistory []struct {
		Status string    `json:"status"`
		At     time.Time `json:"at"`
		Reason string    `json:"reason,omitempty"`
	} `json:"statusHistory"`
	ErrorKind string `json:"errorKind"`
}

func main() {
	// Parse command line flags
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	user := flag.String("user", "", "Internal user id to connect as (required)")
	conversation := flag.String("conversation", "", "Conversation id to send into")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: loom-tui -user <user-id> [-conversation <id>] [-server URL]")
		os.Exit(1)
	}

	fmt.Printf("loom-tui connected to %s as %s\n", *server, *user)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	// Setup context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *user, *conversation); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, userID, conversationID string) error {
	// The live stream is a plain view: losing it leaves sending usable.
	if conn, err := dialLive(ctx, server, userID); err != nil {
		fmt.Printf("\033[33m[live] not connected: %v\033[0m\n", err)
	} else {
		fmt.Println("\033[2m[live] watching events\033[0m")
		go watchEvents(ctx, conn)
	}

	scanner := bufio.NewScanner(os.Stdin)

	for {
		// Print prompt (include conversation if one is selected)
		if conversationID != "" {
			fmt.Printf("[%s]> ", shortID(conversationID))
		} else {
			fmt.Print("> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if strings.HasPrefix(input, "/join") {
			arg := strings.TrimSpace(strings.TrimPrefix(input, "/join"))
			if arg == "" {
				fmt.Println("Usage: /join <conversation-id>")
			} else {
				conversationID = arg
				fmt.Printf("Now in conversation %s\n", conversationID)
			}
			fmt.Println()
			continue
		}

		if input == "/history" {
			if conversationID == "" {
				fmt.Println("No conversation selected. Use /join <conversation-id> first.")
			} else if err := fetchHistory(ctx, server, conversationID, userID); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		if strings.HasPrefix(input, "/status") {
			arg := strings.TrimSpace(strings.TrimPrefix(input, "/status"))
			if arg == "" {
				fmt.Println("Usage: /status <message-id>")
			} else if err := fetchStatus(ctx, server, arg); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		if input == "/help" {
			printHelp()
			fmt.Println()
			continue
		}

		if conversationID == "" {
			fmt.Println("No conversation selected. Use /join <conversation-id> first.")
			fmt.Println()
			continue
		}

		if err := sendMessage(ctx, server, userID, conversationID, input); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	}
}

// printHelp displays available commands.
func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /join <id>     Select the conversation to send into")
	fmt.Println("  /history       Show recent messages in the conversation")
	fmt.Println("  /status <id>   Show delivery status for a message")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

// dialLive opens the websocket subscription for userID.
func dialLive(ctx context.Context, server, userID string) (*websocket.Conn, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/chat"
	u.RawQuery = url.Values{"userId": {userID}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: status %d", u.String(), resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}
	return conn, nil
}

// watchEvents prints every frame the gateway pushes. Reading also answers
// the server's keepalive pings; the default ping handler does the pong.
func watchEvents(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				fmt.Printf("\r\033[K\033[33m[live] stream closed: %v\033[0m\n", err)
			}
			return
		}
		var frame liveFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		printFrame(&frame)
	}
}

// printFrame renders one live event, clearing the pending prompt line first.
func printFrame(f *liveFrame) {
	switch f.Type {
	case "message":
		m := f.Message
		if m == nil {
			return
		}
		if m.Kind == "SYSTEM" {
			fmt.Printf("\r\033[K\033[2m[system] %s\033[0m\n", m.Content)
			return
		}
		var files string
		if n := len(m.FileIDs); n > 0 {
			files = fmt.Sprintf(" [%d file(s)]", n)
		}
		fmt.Printf("\r\033[K\033[34m→\033[0m [%s] %s%s\n", shortID(m.SenderID), m.Content, files)

	case "status":
		s := f.Status
		if s == nil {
			return
		}
		tint := "\033[2m"
		switch s.Status {
		case "FAILED":
			tint = "\033[31m"
		case "DELIVERED", "READ":
			tint = "\033[32m"
		}
		var reason string
		if s.Reason != "" {
			reason = " (" + s.Reason + ")"
		}
		fmt.Printf("\r\033[K%s[status] %s %s%s\033[0m\n", tint, shortID(s.MessageID), s.Status, reason)
	}
}

// fetchHistory fetches and displays the newest page of conversation history.
func fetchHistory(ctx context.Context, server, conversationID, userID string) error {
	target := fmt.Sprintf("%s/conversations/%s/messages?userId=%s&limit=20",
		server, url.PathEscape(conversationID), url.QueryEscape(userID))

	var page historyPage
	if err := getJSON(ctx, target, &page); err != nil {
		return err
	}
	if len(page.Messages) == 0 {
		fmt.Println("No messages yet")
		return nil
	}

	fmt.Println(strings.Repeat("-", 60))
	// The page arrives newest first; a chat reads oldest first.
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if m.Kind == "SYSTEM" {
			fmt.Printf("\033[2m[system] %s\033[0m\n", m.Content)
			continue
		}
		if m.SenderID == userID {
			fmt.Printf("\033[32m←\033[0m %s \033[2m[%s]\033[0m\n", truncate(m.Content, 200), m.Status)
		} else {
			fmt.Printf("\033[34m→\033[0m [%s] %s\n", shortID(m.SenderID), truncate(m.Content, 200))
		}
	}
	if page.HasMore {
		fmt.Printf("\033[2m... more history available\033[0m\n")
	}
	fmt.Println(strings.Repeat("-", 60))

	return nil
}

// fetchStatus fetches and displays one message's delivery status.
func fetchStatus(ctx context.Context, server, messageID string) error {
	target := fmt.Sprintf("%s/messages/%s/status", server, url.PathEscape(messageID))

	var info statusInfo
	if err := getJSON(ctx, target, &info); err != nil {
		return err
	}

	fmt.Printf("%s: %s", info.MessageID, info.Status)
	if info.ErrorKind != "" {
		fmt.Printf(" (%s)", info.ErrorKind)
	}
	fmt.Println()
	for _, e := range info.StatusHistory {
		line := fmt.Sprintf("  %s  %s", e.At.Format("15:04:05.000"), e.Status)
		if e.Reason != "" {
			line += "  " + e.Reason
		}
		fmt.Println(line)
	}
	return nil
}

func sendMessage(ctx context.Context, server, userID, conversationID, content string) error {
	body, err := json.Marshal(sendBody{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}

	var ack sendAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("\033[2m[sent] %s %s\033[0m\n", shortID(ack.MessageID), ack.Status)
	return nil
}

// getJSON fetches target and decodes the response into out.
func getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// apiError surfaces the gateway's error envelope when there is one.
func apiError(resp *http.Response) error {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("%s (status %d)", envelope.Error, resp.StatusCode)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

// shortID trims a uuid to its first group for display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return truncate(id, 12)
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
