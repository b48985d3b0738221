// ABOUTME: Admin CLI for parley-hub conversation and token management
// ABOUTME: Talks to the REST API with bearer auth; mints tokens locally

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/parley-hub/internal/config"
	"github.com/2389/parley-hub/internal/identity"
	"github.com/2389/parley-hub/internal/participant"
)

const banner = `
                   _                           _           _
 _ __   __ _ _ __| | ___ _   _      __ _  __| |_ __ ___ (_)_ __
| '_ \ / _' | '__| |/ _ \ | | |___ / _' |/ _' | '_ ' _ \| | '_ \
| |_) | (_| | |  | |  __/ |_| |___| (_| | (_| | | | | | | | | | |
| .__/ \__,_|_|  |_|\___|\__, |    \__,_|\__,_|_| |_| |_|_|_| |_|
|_|                      |___/
`

func main() {
	// Local overrides for development; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	hubURL := getEnv("PARLEY_HUB_URL", "http://localhost:8080")
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(hubURL, token)
	case "conversations", "convs":
		err = cmdConversations(hubURL, token, args)
	case "history":
		err = cmdHistory(hubURL, token, args)
	case "presets":
		err = cmdPresets(hubURL, token)
	case "stats":
		err = cmdStats(hubURL, token)
	case "token":
		err = cmdToken(args)
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
	fmt.Println("Usage: parley-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                        Show hub reachability and totals")
	fmt.Println("  conversations                 List live conversations")
	fmt.Println("  conversations show <id>       Show one conversation's snapshot")
	fmt.Println("  conversations create          Create a conversation")
	fmt.Println("  conversations delete <id>     Close a conversation (--purge drops history)")
	fmt.Println("  history <id>                  Show persisted messages (--from, --limit)")
	fmt.Println("  presets                       List available conversation presets")
	fmt.Println("  stats                         Show per-conversation counters")
	fmt.Println("  token create                  Mint a participant JWT (needs the hub secret)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  PARLEY_HUB_URL      Hub base URL (default: http://localhost:8080)")
	fmt.Println("  PARLEY_TOKEN        Bearer token for the REST API")
	fmt.Println("  PARLEY_JWT_SECRET   Signing secret for token create (or use the config file)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  parley-admin conversations create --id standup --preset standup")
	fmt.Println("  parley-admin token create --id agent-a --kind remote_agent --priority 5")
	fmt.Println("  parley-admin history standup --from 100 --limit 50")
	fmt.Println()
}

// apiRequest performs one authenticated REST call and decodes the response.
func apiRequest(hubURL, token, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, hubURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s (status %d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type conversationSummary struct {
	ConversationID string `json:"conversation_id"`
	Topic          string `json:"topic"`
	Participants   int    `json:"participants"`
	LatestSeq      uint64 `json:"latest_seq"`
}

type conversationDetail struct {
	ConversationID string `json:"conversation_id"`
	Topic          string `json:"topic"`
	TurnStrategy   string `json:"turn_strategy"`
	Holders        []struct {
		ParticipantID string `json:"participant_id"`
		Speaking      bool   `json:"speaking"`
	} `json:"holders"`
	Queue []struct {
		ParticipantID string `json:"participant_id"`
		Position      int    `json:"position"`
	} `json:"queue"`
	Participants []struct {
		ID       string `json:"id"`
		Kind     string `json:"kind"`
		Presence string `json:"presence"`
		Priority int    `json:"priority"`
	} `json:"participants"`
	LatestSeq      uint64 `json:"latest_seq"`
	ActiveConns    int    `json:"active_conns"`
	SuspendedConns int    `json:"suspended_conns"`
}

// cmdStatus shows hub reachability plus headline numbers
func cmdStatus(hubURL, token string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hubURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		yellow.Printf("  Hub:      ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	resp.Body.Close()

	green.Printf("  Hub:      ")
	fmt.Printf("healthy at %s\n", hubURL)

	var stats statsResponse
	if err := apiRequest(hubURL, token, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		yellow.Printf("  Stats:    ")
		color.Red("unavailable (%v)\n", err)
	} else {
		green.Printf("  Uptime:   ")
		fmt.Printf("%s\n", (time.Duration(stats.UptimeSeconds) * time.Second).String())
		green.Printf("  Rooms:    ")
		fmt.Printf("%d conversations, %d participants\n", stats.Conversations, stats.Participants)
		green.Printf("  Traffic:  ")
		fmt.Printf("%d messages, %d events\n", stats.Messages, stats.Events)
	}

	fmt.Println()
	return nil
}

// cmdConversations handles conversation subcommands
func cmdConversations(hubURL, token string, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdConversationsList(hubURL, token)
	case "show", "get":
		if len(args) < 1 {
			return fmt.Errorf("usage: conversations show <id>")
		}
		return cmdConversationsShow(hubURL, token, args[0])
	case "create", "add":
		return cmdConversationsCreate(hubURL, token, args)
	case "delete", "rm", "remove":
		return cmdConversationsDelete(hubURL, token, args)
	default:
		return fmt.Errorf("unknown conversations subcommand: %s (use list, show, create, delete)", subcmd)
	}
}

func cmdConversationsList(hubURL, token string) error {
	var listing struct {
		Conversations []conversationSummary `json:"conversations"`
	}
	if err := apiRequest(hubURL, token, http.MethodGet, "/api/conversations", nil, &listing); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Conversations")
	cyan.Println("  -------------")

	if len(listing.Conversations) == 0 {
		fmt.Println("  (none live)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tTOPIC\tPARTICIPANTS\tLATEST SEQ")
	fmt.Fprintln(w, "  --\t-----\t------------\t----------")
	for _, c := range listing.Conversations {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%d\n",
			truncate(c.ConversationID, 24), truncate(c.Topic, 32), c.Participants, c.LatestSeq)
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdConversationsShow(hubURL, token, id string) error {
	var detail conversationDetail
	if err := apiRequest(hubURL, token, http.MethodGet, "/api/conversations/"+id, nil, &detail); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	fmt.Println()
	cyan.Printf("  %s\n", detail.ConversationID)
	cyan.Println("  " + strings.Repeat("-", len(detail.ConversationID)))
	if detail.Topic != "" {
		fmt.Printf("  Topic:       %s\n", detail.Topic)
	}
	fmt.Printf("  Strategy:    %s\n", detail.TurnStrategy)
	fmt.Printf("  Latest seq:  %d\n", detail.LatestSeq)
	fmt.Printf("  Connections: %d active, %d suspended\n", detail.ActiveConns, detail.SuspendedConns)

	if len(detail.Holders) > 0 {
		green.Printf("  Floor:       ")
		parts := make([]string, 0, len(detail.Holders))
		for _, h := range detail.Holders {
			label := h.ParticipantID
			if h.Speaking {
				label += " (speaking)"
			}
			parts = append(parts, label)
		}
		fmt.Println(strings.Join(parts, ", "))
	}
	if len(detail.Queue) > 0 {
		fmt.Printf("  Queue:       ")
		parts := make([]string, 0, len(detail.Queue))
		for _, q := range detail.Queue {
			parts = append(parts, fmt.Sprintf("%d. %s", q.Position, q.ParticipantID))
		}
		fmt.Println(strings.Join(parts, ", "))
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PARTICIPANT\tKIND\tPRESENCE\tPRIORITY")
	fmt.Fprintln(w, "  -----------\t----\t--------\t--------")
	for _, p := range detail.Participants {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\n", truncate(p.ID, 24), p.Kind, p.Presence, p.Priority)
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdConversationsCreate(hubURL, token string, args []string) error {
	req := map[string]any{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id", "-i":
			if i+1 < len(args) {
				req["id"] = args[i+1]
				i++
			}
		case "--preset", "-p":
			if i+1 < len(args) {
				req["preset"] = args[i+1]
				i++
			}
		case "--topic":
			if i+1 < len(args) {
				req["topic"] = args[i+1]
				i++
			}
		case "--turn-strategy", "-t":
			if i+1 < len(args) {
				req["turn_strategy"] = args[i+1]
				i++
			}
		case "--routing-strategy", "-r":
			if i+1 < len(args) {
				req["routing_strategy"] = args[i+1]
				i++
			}
		case "--interruption-policy":
			if i+1 < len(args) {
				req["interruption_policy"] = args[i+1]
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	var detail conversationDetail
	if err := apiRequest(hubURL, token, http.MethodPost, "/api/conversations", req, &detail); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created conversation: %s\n", detail.ConversationID)
	fmt.Printf("  Strategy: %s\n", detail.TurnStrategy)
	if detail.Topic != "" {
		fmt.Printf("  Topic:    %s\n", detail.Topic)
	}

	return nil
}

func cmdConversationsDelete(hubURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: conversations delete <id> [--purge]")
	}
	id := args[0]
	path := "/api/conversations/" + id
	for _, arg := range args[1:] {
		if arg == "--purge" {
			path += "?purge=true"
		}
	}

	if err := apiRequest(hubURL, token, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Closed conversation: %s\n", id)
	return nil
}

// cmdHistory shows a persisted message range
func cmdHistory(hubURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: history <id> [--from <seq>] [--limit <n>]")
	}
	id := args[0]

	query := ""
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--from", "-f":
			if i+1 < len(args) {
				query += "&from=" + args[i+1]
				i++
			}
		case "--limit", "-l":
			if i+1 < len(args) {
				query += "&limit=" + args[i+1]
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	path := "/api/conversations/" + id + "/history"
	if query != "" {
		path += "?" + strings.TrimPrefix(query, "&")
	}

	var page struct {
		Messages []struct {
			Sequence   uint64          `json:"sequence"`
			SenderID   string          `json:"sender_id"`
			Type       string          `json:"type"`
			Topic      string          `json:"topic"`
			Payload    json.RawMessage `json:"payload"`
			AcceptedAt time.Time       `json:"accepted_at"`
		} `json:"messages"`
	}
	if err := apiRequest(hubURL, token, http.MethodGet, path, nil, &page); err != nil {
		return err
	}

	if len(page.Messages) == 0 {
		fmt.Println("(no messages)")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)
	for _, m := range page.Messages {
		gray.Printf("%6d %s ", m.Sequence, m.AcceptedAt.Format("15:04:05"))
		cyan.Printf("%-16s", m.SenderID)
		if m.Topic != "" {
			gray.Printf(" [%s]", m.Topic)
		}
		fmt.Printf(" %s\n", compactPayload(m.Payload))
	}
	return nil
}

// compactPayload renders a payload on one line, preferring its text field.
func compactPayload(payload json.RawMessage) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Text != "" {
		return body.Text
	}
	return string(payload)
}

func cmdPresets(hubURL, token string) error {
	var out struct {
		Presets []string `json:"presets"`
	}
	if err := apiRequest(hubURL, token, http.MethodGet, "/api/presets", nil, &out); err != nil {
		return err
	}
	if len(out.Presets) == 0 {
		fmt.Println("(no presets configured)")
		return nil
	}
	for _, name := range out.Presets {
		fmt.Println(name)
	}
	return nil
}

type statsResponse struct {
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Conversations   int    `json:"conversations"`
	Participants    int    `json:"participants"`
	Messages        uint64 `json:"messages"`
	Events          uint64 `json:"events"`
	Resumes         uint64 `json:"resumes"`
	PerConversation map[string]struct {
		Participants   int    `json:"participants"`
		ActiveConns    int    `json:"active_conns"`
		SuspendedConns int    `json:"suspended_conns"`
		Messages       uint64 `json:"messages"`
		Resumes        uint64 `json:"resumes"`
		QueueDepth     int    `json:"queue_depth"`
	} `json:"per_conversation"`
}

func cmdStats(hubURL, token string) error {
	var stats statsResponse
	if err := apiRequest(hubURL, token, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Hub Stats")
	cyan.Println("  ---------")
	fmt.Printf("  Uptime:        %s\n", (time.Duration(stats.UptimeSeconds) * time.Second).String())
	fmt.Printf("  Conversations: %d\n", stats.Conversations)
	fmt.Printf("  Participants:  %d\n", stats.Participants)
	fmt.Printf("  Messages:      %d\n", stats.Messages)
	fmt.Printf("  Events:        %d\n", stats.Events)
	fmt.Printf("  Resumes:       %d\n", stats.Resumes)

	if len(stats.PerConversation) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tPARTICIPANTS\tCONNS\tSUSPENDED\tMESSAGES\tQUEUE")
		fmt.Fprintln(w, "  --\t------------\t-----\t---------\t--------\t-----")
		for id, c := range stats.PerConversation {
			fmt.Fprintf(w, "  %s\t%d\t%d\t%d\t%d\t%d\n",
				truncate(id, 24), c.Participants, c.ActiveConns, c.SuspendedConns, c.Messages, c.QueueDepth)
		}
		w.Flush()
	}
	fmt.Println()

	return nil
}

// cmdToken handles token subcommands
func cmdToken(args []string) error {
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "create":
		return cmdTokenCreate(args)
	default:
		return fmt.Errorf("usage: token create --id <participant-id> [--name <name>] [--kind <kind>] [--priority <n>] [--ttl <days>]")
	}
}

// cmdTokenCreate mints a participant JWT locally. The signing secret comes
// from PARLEY_JWT_SECRET or the hub config file, so this runs on the hub
// host or anywhere the secret is shared.
func cmdTokenCreate(args []string) error {
	var pid, name, kind string
	var priority int
	var ttlDays int64 = 30

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id", "-i":
			if i+1 < len(args) {
				pid = args[i+1]
				i++
			}
		case "--name", "-n":
			if i+1 < len(args) {
				name = args[i+1]
				i++
			}
		case "--kind", "-k":
			if i+1 < len(args) {
				kind = args[i+1]
				i++
			}
		case "--priority", "-p":
			if i+1 < len(args) {
				v, err := parseIntArg(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid priority: %w", err)
				}
				priority = int(v)
				i++
			}
		case "--ttl", "-t":
			if i+1 < len(args) {
				days, err := parseIntArg(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid ttl: %w", err)
				}
				ttlDays = days
				i++
			}
		}
	}

	if pid == "" {
		return fmt.Errorf("usage: token create --id <participant-id> [--name <name>] [--kind <kind>] [--priority <n>] [--ttl <days>]")
	}

	pKind := participant.KindRemoteAgent
	if kind != "" {
		pKind = participant.Kind(kind)
		if !pKind.Valid() {
			return fmt.Errorf("unknown kind %q (want remote_agent, local_agent, human, or external_service)", kind)
		}
	}

	secret, err := signingSecret()
	if err != nil {
		return err
	}

	ttl := time.Duration(ttlDays) * 24 * time.Hour
	token, err := identity.NewJWTProvider([]byte(secret)).Generate(identity.Identity{
		ParticipantID: pid,
		DisplayName:   name,
		Kind:          pKind,
		Priority:      priority,
	}, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	fmt.Println()
	green.Println("  Token created successfully")
	fmt.Println()
	cyan.Println("  Participant: " + pid)
	cyan.Println("  Kind:        " + string(pKind))
	cyan.Println("  Expires:     " + time.Now().Add(ttl).UTC().Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  Token (keep this secret!):")
	fmt.Println()
	fmt.Println("  " + token)
	fmt.Println()

	return nil
}

// signingSecret resolves the JWT secret: env var first, then the hub config.
func signingSecret() (string, error) {
	if secret := os.Getenv("PARLEY_JWT_SECRET"); secret != "" {
		return secret, nil
	}

	configPath := os.Getenv("PARLEY_CONFIG")
	if configPath == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("set PARLEY_JWT_SECRET or PARLEY_CONFIG: %w", err)
			}
			configDir = filepath.Join(homeDir, ".config")
		}
		configPath = filepath.Join(configDir, "parley", "hub.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("set PARLEY_JWT_SECRET, or make %s readable: %w", configPath, err)
	}
	if cfg.Auth.JWTSecret == "" {
		return "", fmt.Errorf("no jwt_secret in %s and PARLEY_JWT_SECRET unset", configPath)
	}
	return cfg.Auth.JWTSecret, nil
}

func parseIntArg(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the bearer token from PARLEY_TOKEN or ~/.config/parley/token
func getToken() string {
	if token := os.Getenv("PARLEY_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "parley", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
