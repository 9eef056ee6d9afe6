// ABOUTME: Admin CLI for loom-gateway user, identity, and channel management
// ABOUTME: Talks JSON over the gateway HTTP API

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/2389/loom-gateway/internal/eventlog"
)

const banner = `
 _                                       _           _
| | ___   ___  _ __ ___         __ _  __| |_ __ ___ (_)_ __
| |/ _ \ / _ \| '_ ' _ \ _____ / _' |/ _' | '_ ' _ \| | '_ \
| | (_) | (_) | | | | | |_____| (_| | (_| | | | | | | | | | |
|_|\___/ \___/|_| |_| |_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Gateway base URL from environment; everything below is plain HTTP+JSON
	baseURL := os.Getenv("LOOM_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := newClient(baseURL, os.Getenv("LOOM_ACTOR"))

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(client)
	case "users":
		err = cmdUsers(client, args)
	case "identities":
		err = cmdIdentities(client, args)
	case "resolve":
		err = cmdResolve(client, args)
	case "matches":
		err = cmdMatches(client, args)
	case "channels":
		err = cmdChannels(client, args)
	case "conversations":
		err = cmdConversations(client, args)
	case "send":
		err = cmdSend(client, args)
	case "message":
		err = cmdMessage(client, args)
	case "dlq":
		err = cmdDLQ(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: loom-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                            Gateway health and channel summary")
	fmt.Println("  users                             List internal users")
	fmt.Println("  users create                      Create an internal user")
	fmt.Println("  identities <user-id>              List a user's linked identities")
	fmt.Println("  identities link <user-id>         Link a platform handle to a user")
	fmt.Println("  identities unlink <user-id> <platform> <handle>")
	fmt.Println("  resolve                           Resolve a platform handle to a user")
	fmt.Println("  matches <user-id>                 Suggest possible duplicate users")
	fmt.Println("  channels                          List provisioned channels")
	fmt.Println("  channels set <platform>           Provision or replace a channel config")
	fmt.Println("  channels check <platform>         Probe the platform credentials")
	fmt.Println("  conversations create              Create a conversation")
	fmt.Println("  send                              Send a message into a conversation")
	fmt.Println("  message <message-id>              Show a message and its delivery status")
	fmt.Println("  dlq peek                          List dead-lettered messages (reads the broker)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  LOOM_GATEWAY_URL     Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  LOOM_ACTOR           Actor recorded in the audit log (default: loom-admin)")
	fmt.Println("  LOOM_KAFKA_BROKERS   Brokers for dlq peek (or pass --brokers)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  loom-admin users create --name 'Support Desk' --role AGENT")
	fmt.Println("  loom-admin channels set WHATSAPP --token $WA_TOKEN --webhook-secret $WA_SECRET --agent <user-id>")
	fmt.Println("  loom-admin conversations create --type ONE_TO_ONE --participants <a>,<b>")
	fmt.Println("  loom-admin send --conversation <id> --from <user-id> --text 'hello' --watch")
	fmt.Println()
}

// apiClient wraps the gateway HTTP API with JSON encoding and the shared
// error envelope.
type apiClient struct {
	baseURL string
	actor   string
	http    *http.Client
}

func newClient(baseURL, actor string) *apiClient {
	if actor == "" {
		actor = "loom-admin"
	}
	return &apiClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		actor:   actor,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Actor", c.actor)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Message string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("request failed: status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, in, out any) error {
	return c.do(http.MethodPost, path, in, out)
}

func (c *apiClient) del(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out)
}

// text fetches a plain-text endpoint (healthz/readyz).
func (c *apiClient) text(path string) (string, error) {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(string(data))
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("%s (status %d)", body, resp.StatusCode)
	}
	return body, nil
}

// Wire types mirroring the gateway API.

type user struct {
	ID          string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

type usersResponse struct {
	Users []user `json:"users"`
}

type identity struct {
	UserID         string    `json:"userId"`
	Platform       string    `json:"platform"`
	PlatformUserID string    `json:"platformUserId"`
	Verified       bool      `json:"verified"`
	LinkedAt       time.Time `json:"linkedAt"`
}

type identitiesResponse struct {
	Identities []identity `json:"identities"`
}

type resolveResponse struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type matchSuggestion struct {
	UserID      string
	DisplayName string
	Score       float64
}

type matchesResponse struct {
	Matches []matchSuggestion `json:"matches"`
}

type channelCredentials struct {
	Token     string `json:"token"`
	AppSecret string `json:"app_secret,omitempty"`
}

type channelRequest struct {
	Platform       string             `json:"platform"`
	Enabled        *bool              `json:"enabled,omitempty"`
	APIBaseURL     string             `json:"apiBaseUrl,omitempty"`
	Credentials    channelCredentials `json:"credentials"`
	WebhookSecret  string             `json:"webhookSecret,omitempty"`
	RatePerSecond  float64            `json:"ratePerSecond,omitempty"`
	Burst          int                `json:"burst,omitempty"`
	DefaultAgentID string             `json:"defaultAgentId,omitempty"`
}

type channelInfo struct {
	Platform       string    `json:"platform"`
	Enabled        bool      `json:"enabled"`
	APIBaseURL     string    `json:"apiBaseUrl"`
	HasCredentials bool      `json:"hasCredentials"`
	RatePerSecond  float64   `json:"ratePerSecond"`
	Burst          int       `json:"burst"`
	DefaultAgentID string    `json:"defaultAgentId"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type channelsResponse struct {
	Channels []channelInfo `json:"channels"`
}

type channelCheck struct {
	Platform string `json:"platform"`
	OK       bool   `json:"ok"`
	Reason   string `json:"reason"`
}

type conversation struct {
	ID             string `json:"conversationId"`
	Type           string `json:"type"`
	PrimaryChannel string `json:"primaryChannel"`
	Participants   []struct {
		UserID string `json:"userId"`
	} `json:"participants"`
	CreatedAt time.Time `json:"createdAt"`
}

type sendAccepted struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	StatusURL string `json:"statusUrl"`
}

type statusEntry struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

type recipientState struct {
	Recipient         string `json:"recipient"`
	Platform          string `json:"platform"`
	PlatformUserID    string `json:"platformUserId"`
	Outcome           string `json:"outcome"`
	PlatformMessageID string `json:"platformMessageId"`
	Attempts          int    `json:"attempts"`
	Reason            string `json:"reason"`
}

type messageStatus struct {
	MessageID         string           `json:"messageId"`
	Status            string           `json:"status"`
	StatusHistory     []statusEntry    `json:"statusHistory"`
	RecipientStates   []recipientState `json:"recipientStates"`
	ErrorKind         string           `json:"errorKind"`
	PlatformMessageID string           `json:"platformMessageId"`
}

type message struct {
	ID             string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Channel        string    `json:"channel"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// cmdStatus shows gateway health and the provisioned channels
func cmdStatus(client *apiClient) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	if _, err := client.text("/healthz"); err != nil {
		yellow.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	green.Printf("  Gateway:  ")
	fmt.Printf("reachable at %s\n", client.baseURL)

	ready, err := client.text("/readyz")
	if err != nil {
		yellow.Printf("  Ready:    ")
		color.Red("%s\n", ready)
	} else {
		green.Printf("  Ready:    ")
		fmt.Println(ready)
	}
	fmt.Println()

	var channels channelsResponse
	if err := client.get("/admin/channels", &channels); err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}
	printChannelTable(channels.Channels)

	return nil
}

// cmdUsers handles user subcommands
func cmdUsers(client *apiClient, args []string) error {
	// Default to list
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdUsersList(client)
	case "create", "add":
		return cmdUsersCreate(client, args)
	default:
		return fmt.Errorf("unknown users subcommand: %s (use list, create)", subcmd)
	}
}

func cmdUsersList(client *apiClient) error {
	var resp usersResponse
	if err := client.get("/users", &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Internal Users")
	cyan.Println("  --------------")

	if len(resp.Users) == 0 {
		fmt.Println("  (no users)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tROLE\tCREATED")
	fmt.Fprintln(w, "  --\t----\t----\t-------")

	for _, u := range resp.Users {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			u.ID, truncate(u.DisplayName, 28), u.Role, formatTime(u.CreatedAt))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdUsersCreate(client *apiClient, args []string) error {
	var name, role string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name", "-n":
			if i+1 < len(args) {
				name = args[i+1]
				i++
			}
		case "--role", "-r":
			if i+1 < len(args) {
				role = args[i+1]
				i++
			}
		}
	}

	if name == "" {
		return fmt.Errorf("usage: users create --name <name> [--role AGENT|CUSTOMER]")
	}
	if role == "" {
		role = "AGENT"
	}

	var created user
	req := map[string]string{"displayName": name, "role": role}
	if err := client.post("/users", req, &created); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created user: %s\n", created.ID)
	fmt.Printf("  Name:  %s\n", created.DisplayName)
	fmt.Printf("  Role:  %s\n", created.Role)

	return nil
}

// cmdIdentities handles identity subcommands
func cmdIdentities(client *apiClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: identities <user-id> | identities link <user-id> ... | identities unlink <user-id> <platform> <handle>")
	}

	switch args[0] {
	case "link":
		return cmdIdentitiesLink(client, args[1:])
	case "unlink", "rm", "remove":
		return cmdIdentitiesUnlink(client, args[1:])
	default:
		return cmdIdentitiesList(client, args[0])
	}
}

func cmdIdentitiesList(client *apiClient, userID string) error {
	var resp identitiesResponse
	if err := client.get("/users/"+url.PathEscape(userID)+"/identities", &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Linked Identities")
	cyan.Println("  -----------------")

	if len(resp.Identities) == 0 {
		fmt.Println("  (no linked identities)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PLATFORM\tHANDLE\tVERIFIED\tLINKED")
	fmt.Fprintln(w, "  --------\t------\t--------\t------")

	for _, id := range resp.Identities {
		verified := "no"
		if id.Verified {
			verified = "yes"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			id.Platform, truncate(id.PlatformUserID, 28), verified, formatTime(id.LinkedAt))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdIdentitiesLink(client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: identities link <user-id> --platform <name> --id <handle> [--verified]")
	}
	userID := args[0]
	args = args[1:]

	var platform, handle string
	verified := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--platform", "-p":
			if i+1 < len(args) {
				platform = args[i+1]
				i++
			}
		case "--id", "-i":
			if i+1 < len(args) {
				handle = args[i+1]
				i++
			}
		case "--verified", "-v":
			verified = true
		}
	}

	if platform == "" || handle == "" {
		return fmt.Errorf("usage: identities link <user-id> --platform <name> --id <handle> [--verified]")
	}

	var linked identity
	req := map[string]any{"platform": platform, "platformUserId": handle, "verified": verified}
	if err := client.post("/users/"+url.PathEscape(userID)+"/identities", req, &linked); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Linked %s identity to user %s\n", linked.Platform, linked.UserID)
	fmt.Printf("  Handle:    %s\n", linked.PlatformUserID)
	fmt.Printf("  Verified:  %t\n", linked.Verified)

	return nil
}

func cmdIdentitiesUnlink(client *apiClient, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: identities unlink <user-id> <platform> <handle>")
	}
	userID, platform, handle := args[0], args[1], args[2]

	var resp struct {
		Removed bool `json:"removed"`
	}
	path := "/users/" + url.PathEscape(userID) + "/identities/" +
		url.PathEscape(platform) + "/" + url.PathEscape(handle)
	if err := client.del(path, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	if resp.Removed {
		green.Printf("✓ Unlinked %s/%s from user %s\n", platform, handle, userID)
	} else {
		fmt.Printf("Nothing to remove: %s/%s was not linked\n", platform, handle)
	}

	return nil
}

// cmdResolve looks up which user owns a platform handle
func cmdResolve(client *apiClient, args []string) error {
	var platform, handle string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--platform", "-p":
			if i+1 < len(args) {
				platform = args[i+1]
				i++
			}
		case "--id", "-i":
			if i+1 < len(args) {
				handle = args[i+1]
				i++
			}
		}
	}

	if platform == "" || handle == "" {
		return fmt.Errorf("usage: resolve --platform <name> --id <handle>")
	}

	q := url.Values{}
	q.Set("platform", platform)
	q.Set("id", handle)

	var resp resolveResponse
	if err := client.get("/identities/resolve?"+q.Encode(), &resp); err != nil {
		return err
	}

	fmt.Printf("%s/%s -> %s (%s)\n", platform, handle, resp.UserID, resp.DisplayName)
	return nil
}

// cmdMatches shows advisory duplicate-user suggestions
func cmdMatches(client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: matches <user-id>")
	}

	var resp matchesResponse
	if err := client.get("/users/"+url.PathEscape(args[0])+"/matches", &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Possible Matches")
	cyan.Println("  ----------------")

	if len(resp.Matches) == 0 {
		fmt.Println("  (no suggestions)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USER\tNAME\tSCORE")
	fmt.Fprintln(w, "  ----\t----\t-----")

	for _, m := range resp.Matches {
		fmt.Fprintf(w, "  %s\t%s\t%.2f\n", m.UserID, truncate(m.DisplayName, 28), m.Score)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdChannels handles channel subcommands
func cmdChannels(client *apiClient, args []string) error {
	// Default to list
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdChannelsList(client)
	case "set", "put":
		return cmdChannelsSet(client, args)
	case "check":
		return cmdChannelsCheck(client, args)
	default:
		return fmt.Errorf("unknown channels subcommand: %s (use list, set, check)", subcmd)
	}
}

func cmdChannelsList(client *apiClient) error {
	var resp channelsResponse
	if err := client.get("/admin/channels", &resp); err != nil {
		return err
	}
	fmt.Println()
	printChannelTable(resp.Channels)
	return nil
}

func printChannelTable(channels []channelInfo) {
	cyan := color.New(color.FgCyan)
	cyan.Println("  Channels")
	cyan.Println("  --------")

	if len(channels) == 0 {
		fmt.Println("  (no channels provisioned)")
		fmt.Println()
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PLATFORM\tENABLED\tCREDS\tRATE\tAGENT\tUPDATED")
	fmt.Fprintln(w, "  --------\t-------\t-----\t----\t-----\t-------")

	for _, ch := range channels {
		enabled := "no"
		if ch.Enabled {
			enabled = "yes"
		}
		creds := "missing"
		if ch.HasCredentials {
			creds = "set"
		}
		rate := "unlimited"
		if ch.RatePerSecond > 0 {
			rate = fmt.Sprintf("%.1f/s", ch.RatePerSecond)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			ch.Platform, enabled, creds, rate, truncate(ch.DefaultAgentID, 16), formatTime(ch.UpdatedAt))
	}
	w.Flush()
	fmt.Println()
}

func cmdChannelsSet(client *apiClient, args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: channels set <platform> --token <token> [--app-secret S] [--url U] [--webhook-secret S] [--rate N] [--burst N] [--agent <user-id>] [--disabled]")
	}
	platform := args[0]
	args = args[1:]

	req := channelRequest{Platform: platform}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--token", "-t":
			if i+1 < len(args) {
				req.Credentials.Token = args[i+1]
				i++
			}
		case "--app-secret":
			if i+1 < len(args) {
				req.Credentials.AppSecret = args[i+1]
				i++
			}
		case "--url", "-u":
			if i+1 < len(args) {
				req.APIBaseURL = args[i+1]
				i++
			}
		case "--webhook-secret", "-w":
			if i+1 < len(args) {
				req.WebhookSecret = args[i+1]
				i++
			}
		case "--rate":
			if i+1 < len(args) {
				rate, err := parseFloatArg(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid rate: %w", err)
				}
				req.RatePerSecond = rate
				i++
			}
		case "--burst":
			if i+1 < len(args) {
				burst, err := parseIntArg(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid burst: %w", err)
				}
				req.Burst = int(burst)
				i++
			}
		case "--agent", "-a":
			if i+1 < len(args) {
				req.DefaultAgentID = args[i+1]
				i++
			}
		case "--disabled":
			disabled := false
			req.Enabled = &disabled
		}
	}

	if req.Credentials.Token == "" {
		return fmt.Errorf("--token is required (set replaces the whole channel config)")
	}

	var resp channelInfo
	if err := client.post("/admin/channels", req, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Channel %s saved\n", resp.Platform)
	fmt.Printf("  Enabled:       %t\n", resp.Enabled)
	if resp.APIBaseURL != "" {
		fmt.Printf("  API base URL:  %s\n", resp.APIBaseURL)
	}
	if resp.DefaultAgentID != "" {
		fmt.Printf("  Default agent: %s\n", resp.DefaultAgentID)
	}
	fmt.Println()
	fmt.Printf("  Webhook endpoint: %s/webhooks/%s\n", client.baseURL, strings.ToLower(resp.Platform))

	return nil
}

func cmdChannelsCheck(client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: channels check <platform>")
	}

	var resp channelCheck
	if err := client.get("/admin/channels/"+url.PathEscape(args[0])+"/check", &resp); err != nil {
		return err
	}

	if resp.OK {
		green := color.New(color.FgGreen)
		green.Printf("✓ %s credentials OK\n", resp.Platform)
		return nil
	}

	return fmt.Errorf("%s credentials rejected: %s", resp.Platform, resp.Reason)
}

// cmdConversations handles conversation subcommands
func cmdConversations(client *apiClient, args []string) error {
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "create", "add":
		return cmdConversationsCreate(client, args)
	default:
		return fmt.Errorf("usage: conversations create --type <type> --participants <a,b[,c...]> [--channel <platform>]")
	}
}

func cmdConversationsCreate(client *apiClient, args []string) error {
	convType := "ONE_TO_ONE"
	var participantsRaw, channel string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--type", "-t":
			if i+1 < len(args) {
				convType = args[i+1]
				i++
			}
		case "--participants", "-p":
			if i+1 < len(args) {
				participantsRaw = args[i+1]
				i++
			}
		case "--channel", "-c":
			if i+1 < len(args) {
				channel = args[i+1]
				i++
			}
		}
	}

	var participants []string
	for _, p := range strings.Split(participantsRaw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			participants = append(participants, p)
		}
	}
	if len(participants) == 0 {
		return fmt.Errorf("usage: conversations create --type <type> --participants <a,b[,c...]> [--channel <platform>]")
	}

	req := map[string]any{"type": convType, "participants": participants}
	if channel != "" {
		req["primaryChannel"] = channel
	}

	var conv conversation
	if err := client.post("/conversations", req, &conv); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created conversation: %s\n", conv.ID)
	fmt.Printf("  Type:         %s\n", conv.Type)
	if conv.PrimaryChannel != "" {
		fmt.Printf("  Channel:      %s\n", conv.PrimaryChannel)
	}
	fmt.Printf("  Participants: %d\n", len(conv.Participants))

	return nil
}

// cmdSend submits a message and optionally watches delivery
func cmdSend(client *apiClient, args []string) error {
	var conversationID, from, text, channel string
	watch := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--conversation", "-c":
			if i+1 < len(args) {
				conversationID = args[i+1]
				i++
			}
		case "--from", "-f":
			if i+1 < len(args) {
				from = args[i+1]
				i++
			}
		case "--text", "-m":
			if i+1 < len(args) {
				text = args[i+1]
				i++
			}
		case "--channel":
			if i+1 < len(args) {
				channel = args[i+1]
				i++
			}
		case "--watch", "-w":
			watch = true
		}
	}

	if conversationID == "" || from == "" || text == "" {
		return fmt.Errorf("usage: send --conversation <id> --from <user-id> --text <content> [--channel <platform>] [--watch]")
	}

	req := map[string]any{
		"messageId":      uuid.NewString(),
		"conversationId": conversationID,
		"senderId":       from,
		"content":        text,
	}
	if channel != "" {
		req["channel"] = channel
	}

	var accepted sendAccepted
	if err := client.post("/messages", req, &accepted); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Accepted: %s\n", accepted.MessageID)
	fmt.Printf("  Status:  %s\n", accepted.Status)

	if !watch {
		fmt.Printf("  Details: loom-admin message %s\n", accepted.MessageID)
		return nil
	}

	// Poll until the message leaves PENDING or the budget runs out.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)

		var status messageStatus
		if err := client.get("/messages/"+accepted.MessageID+"/status", &status); err != nil {
			return err
		}
		if status.Status != "PENDING" {
			fmt.Println()
			printStatus(&status)
			return nil
		}
	}

	return fmt.Errorf("message still pending after 30s: %s", accepted.MessageID)
}

// cmdMessage shows a message and its full delivery record
func cmdMessage(client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: message <message-id>")
	}
	messageID := args[0]

	var msg message
	if err := client.get("/messages/"+url.PathEscape(messageID), &msg); err != nil {
		return err
	}

	var status messageStatus
	if err := client.get("/messages/"+url.PathEscape(messageID)+"/status", &status); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Message")
	cyan.Println("  -------")
	fmt.Printf("  ID:            %s\n", msg.ID)
	fmt.Printf("  Conversation:  %s\n", msg.ConversationID)
	fmt.Printf("  Sender:        %s\n", msg.SenderID)
	fmt.Printf("  Channel:       %s\n", msg.Channel)
	fmt.Printf("  Content:       %s\n", truncate(msg.Content, 60))
	fmt.Printf("  Created:       %s\n", formatTime(msg.CreatedAt))
	fmt.Println()

	printStatus(&status)
	return nil
}

func printStatus(status *messageStatus) {
	cyan := color.New(color.FgCyan)
	cyan.Println("  Delivery")
	cyan.Println("  --------")
	fmt.Printf("  Status: ")
	switch status.Status {
	case "FAILED":
		color.Red("%s", status.Status)
		if status.ErrorKind != "" {
			fmt.Printf(" (%s)", status.ErrorKind)
		}
		fmt.Println()
	case "PENDING":
		color.Yellow("%s\n", status.Status)
	default:
		color.Green("%s\n", status.Status)
	}
	if status.PlatformMessageID != "" {
		fmt.Printf("  Platform message: %s\n", status.PlatformMessageID)
	}
	fmt.Println()

	if len(status.StatusHistory) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  AT\tSTATUS\tREASON")
		fmt.Fprintln(w, "  --\t------\t------")
		for _, e := range status.StatusHistory {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", e.At.Format("15:04:05.000"), e.Status, e.Reason)
		}
		w.Flush()
		fmt.Println()
	}

	if len(status.RecipientStates) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  RECIPIENT\tPLATFORM\tOUTCOME\tATTEMPTS\tREASON")
		fmt.Fprintln(w, "  ---------\t--------\t-------\t--------\t------")
		for _, rs := range status.RecipientStates {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n",
				truncate(rs.Recipient, 20), rs.Platform, rs.Outcome, rs.Attempts, truncate(rs.Reason, 32))
		}
		w.Flush()
		fmt.Println()
	}
}

// cmdDLQ inspects the dead letter topic. Unlike every other command it
// talks to the broker directly: peek reads without a consumer group, so
// nothing is committed and the records stay where they are.
func cmdDLQ(args []string) error {
	if len(args) < 1 || args[0] != "peek" {
		return fmt.Errorf("usage: loom-admin dlq peek [--brokers HOST:PORT,...] [--limit N]")
	}

	brokers := os.Getenv("LOOM_KAFKA_BROKERS")
	topic := eventlog.TopicDeadLetter
	limit := int64(20)

	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--brokers", "-b":
			if i+1 < len(rest) {
				brokers = rest[i+1]
				i++
			}
		case "--topic", "-t":
			if i+1 < len(rest) {
				topic = rest[i+1]
				i++
			}
		case "--limit", "-n":
			if i+1 < len(rest) {
				v, err := parseIntArg(rest[i+1])
				if err != nil || v < 1 {
					return fmt.Errorf("invalid --limit: %s", rest[i+1])
				}
				limit = v
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", rest[i])
		}
	}
	if brokers == "" {
		return fmt.Errorf("no brokers: pass --brokers or set LOOM_KAFKA_BROKERS")
	}
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The dead letter topic is single-partition, so partition 0 holds
	// everything in order.
	conn, err := kafka.DialLeader(ctx, "tcp", brokerList[0], topic, 0)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	first, last, err := conn.ReadOffsets()
	conn.Close()
	if err != nil {
		return fmt.Errorf("reading offsets: %w", err)
	}
	if first >= last {
		fmt.Println("Dead letter topic is empty.")
		return nil
	}

	// Show the newest records when the topic holds more than the limit.
	start := first
	if last-start > limit {
		start = last - limit
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokerList,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10 << 20,
	})
	defer r.Close()
	if err := r.SetOffset(start); err != nil {
		return fmt.Errorf("seeking to offset %d: %w", start, err)
	}

	fmt.Printf("Dead letter topic %s: %d record(s), showing %d\n\n", topic, last-first, last-start)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  OFFSET\tMESSAGE\tCONVERSATION\tREASON\tCONTENT")
	fmt.Fprintln(w, "  ------\t-------\t------------\t------\t-------")
	for off := start; off < last; off++ {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("reading record at offset %d: %w", off, err)
		}
		var reason string
		for _, h := range m.Headers {
			if h.Key == "reason" {
				reason = string(h.Value)
			}
		}
		msgID, content := "-", ""
		if ev, err := eventlog.DecodeMessageEvent(m.Value); err == nil {
			msgID = ev.Message.ID
			content = ev.Message.Content
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n",
			m.Offset, msgID, string(m.Key), truncate(reason, 40), truncate(content, 32))
	}
	w.Flush()
	fmt.Println()
	fmt.Println("Inspect one with: loom-admin message <message-id>")

	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("Jan 02 15:04")
}

// parseIntArg parses a string to int64
func parseIntArg(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

// parseFloatArg parses a string to float64
func parseFloatArg(s string) (float64, error) {
	var v float64
	_, err := fmt.Sscanf(s, "%f", &v)
	return v, err
}
