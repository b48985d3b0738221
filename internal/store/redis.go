// ABOUTME: Redis streams implementation of MessageStore for multi-node hubs.
// ABOUTME: One stream per conversation; entry ids encode the message sequence.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/parley-hub/internal/messaging"
)

const defaultKeyPrefix = "parley"

// RedisStore implements MessageStore on Redis streams. Each conversation
// maps to one stream whose entry ids are "<sequence>-0", so range reads by
// sequence translate directly to XRANGE.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to the Redis at url (redis://...) and verifies it
// with a ping before returning.
func NewRedisStore(url string, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger = logger.With("component", "store")
	logger.Info("redis store initialized", "addr", opts.Addr)
	return &RedisStore{client: client, prefix: defaultKeyPrefix, logger: logger}, nil
}

func (s *RedisStore) key(conversationID string) string {
	return fmt.Sprintf("%s:conv:%s:messages", s.prefix, conversationID)
}

// Append stores one accepted message.
func (s *RedisStore) Append(ctx context.Context, msg *messaging.Message) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(msg.ConversationID),
		ID:     fmt.Sprintf("%d-0", msg.Sequence),
		Values: map[string]any{
			"id":          msg.ID,
			"sender_id":   msg.SenderID,
			"type":        string(msg.Type),
			"topic":       msg.Topic,
			"payload":     string(msg.Payload),
			"accepted_at": msg.AcceptedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("appending message %s: %w", msg.ID, err)
	}
	return nil
}

// ReadRange returns messages in [fromSeq, toSeq] in sequence order.
func (s *RedisStore) ReadRange(ctx context.Context, conversationID string, fromSeq, toSeq uint64, limit int) ([]*messaging.Message, error) {
	start := fmt.Sprintf("%d-0", fromSeq)
	end := "+"
	if toSeq > 0 {
		end = fmt.Sprintf("%d-0", toSeq)
	}

	var entries []redis.XMessage
	var err error
	if limit > 0 {
		entries, err = s.client.XRangeN(ctx, s.key(conversationID), start, end, int64(limit)).Result()
	} else {
		entries, err = s.client.XRange(ctx, s.key(conversationID), start, end).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}

	out := make([]*messaging.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeEntry(conversationID, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// MaxSequence returns the highest stored sequence for a conversation.
func (s *RedisStore) MaxSequence(ctx context.Context, conversationID string) (uint64, error) {
	entries, err := s.client.XRevRangeN(ctx, s.key(conversationID), "+", "-", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("reading max sequence: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return sequenceFromID(entries[0].ID)
}

// DeleteConversation drops a conversation's stream.
func (s *RedisStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("deleting conversation %s: %w", conversationID, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeEntry(conversationID string, entry redis.XMessage) (*messaging.Message, error) {
	seq, err := sequenceFromID(entry.ID)
	if err != nil {
		return nil, err
	}
	msg := &messaging.Message{
		ConversationID: conversationID,
		Sequence:       seq,
		ID:             fieldString(entry.Values, "id"),
		SenderID:       fieldString(entry.Values, "sender_id"),
		Type:           messaging.MessageType(fieldString(entry.Values, "type")),
		Topic:          fieldString(entry.Values, "topic"),
	}
	if payload := fieldString(entry.Values, "payload"); payload != "" {
		msg.Payload = []byte(payload)
	}
	if at := fieldString(entry.Values, "accepted_at"); at != "" {
		if msg.AcceptedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parsing accepted_at: %w", err)
		}
	}
	return msg, nil
}

func sequenceFromID(id string) (uint64, error) {
	seqPart, _, _ := strings.Cut(id, "-")
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing stream id %q: %w", id, err)
	}
	return seq, nil
}

func fieldString(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
