// ABOUTME: Minimal fake participant for E2E testing — joins over WebSocket and echoes speech.
// ABOUTME: Usage: fake-participant [-url ws://localhost:8080/ws] [-conversation demo] [-id echo-1]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frame is everything this client sends; unused fields stay empty.
type frame struct {
	Type           string          `json:"type,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ParticipantID  string          `json:"participant_id,omitempty"`
	Name           string          `json:"name,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Token          string          `json:"token,omitempty"`
	ClientMsgID    string          `json:"client_msg_id,omitempty"`
	MsgType        string          `json:"msg_type,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// inbound covers both control frames and envelope traffic. The message
// field is raw because it holds a string in error frames and an object in
// message envelopes.
type inbound struct {
	Type        string          `json:"type"`
	Op          string          `json:"op"`
	HeartbeatMS int64           `json:"heartbeat_ms"`
	State       string          `json:"state"`
	Code        string          `json:"code"`
	Kind        string          `json:"kind"`
	Message     json.RawMessage `json:"message"`
	Event       *struct {
		Type          string `json:"type"`
		ParticipantID string `json:"participant_id"`
		Detail        string `json:"detail"`
	} `json:"event"`
}

// wireMessage is the part of a message envelope this client cares about.
type wireMessage struct {
	SenderID string          `json:"sender_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

func (in *inbound) errorText() string {
	var s string
	_ = json.Unmarshal(in.Message, &s)
	return s
}

func (in *inbound) message() (*wireMessage, bool) {
	if in.Kind != "message" || len(in.Message) == 0 {
		return nil, false
	}
	var m wireMessage
	if err := json.Unmarshal(in.Message, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// client wraps the socket with a write mutex: the heartbeat ticker and the
// echo loop both write.
type client struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *client) write(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(f)
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "hub WebSocket URL")
	conversation := flag.String("conversation", "demo", "conversation id to join")
	id := flag.String("id", "echo-1", "participant id")
	name := flag.String("name", "Echo Participant", "display name")
	token := flag.String("token", os.Getenv("PARLEY_TOKEN"), "bearer JWT (optional with anonymous auth)")
	flag.Parse()

	if err := run(*url, *conversation, *id, *name, *token); err != nil {
		log.Fatal(err)
	}
}

func run(url, conversation, id, name, token string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()
	c := &client{ws: ws}

	// Close the socket on interrupt so the read loop unblocks.
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	if err := c.write(frame{
		Type:           "hello",
		ConversationID: conversation,
		ParticipantID:  id,
		Name:           name,
		Kind:           "remote_agent",
		Token:          token,
	}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	var welcome inbound
	if err := ws.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if welcome.Type != "welcome" {
		return fmt.Errorf("expected welcome, got %s (%s: %s)", welcome.Type, welcome.Code, welcome.errorText())
	}
	fmt.Fprintf(os.Stderr, "joined %s as %s (heartbeat %dms)\n", conversation, id, welcome.HeartbeatMS)

	// Keep presence fresh at the cadence the hub asked for.
	heartbeat := time.Duration(welcome.HeartbeatMS) * time.Millisecond
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.write(frame{Type: "heartbeat"}); err != nil {
					return
				}
			}
		}
	}()

	msgCount := 0

	// Message loop: echo other participants' speech back as meta commentary.
	for {
		var in inbound
		if err := ws.ReadJSON(&in); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		switch {
		case in.Kind == "message":
			m, ok := in.message()
			if !ok || m.SenderID == id || m.Type != "speech" {
				continue
			}
			log.Printf("received speech from %s: %s", m.SenderID, m.Payload)

			msgCount++
			reply := echoReply(m.Payload)
			payload, _ := json.Marshal(map[string]string{"text": reply})
			if err := c.write(frame{
				Type:        "send",
				MsgType:     "meta",
				ClientMsgID: fmt.Sprintf("echo-%d", msgCount),
				Payload:     payload,
			}); err != nil {
				log.Printf("send error: %v", err)
			}

		case in.Kind == "event" && in.Event != nil:
			log.Printf("event: %s %s %s", in.Event.Type, in.Event.ParticipantID, in.Event.Detail)

		case in.Type == "error":
			log.Printf("hub error [%s]: %s", in.Code, in.errorText())
		}
	}
}

func echoReply(body json.RawMessage) string {
	var content struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(body, &content)
	if strings.TrimSpace(content.Text) == "" {
		return "Echo: (no text)"
	}
	return "Echo: " + content.Text
}
