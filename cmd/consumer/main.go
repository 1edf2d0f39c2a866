// Package main provides a reference consumer of the transaction event stream on Redis Streams.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/microbank-transactions/internal/config"
	"github.com/jnst/microbank-transactions/internal/logger"
	"github.com/jnst/microbank-transactions/internal/model"
	"github.com/jnst/microbank-transactions/internal/sink"
)

const (
	redisBlockTimeout = 1000 // milliseconds
	readCount         = 10
	errorRetryDelay   = 1 * time.Second
	dedupKeyPrefix    = "processed:tx:"
	reclaimStart      = "0"
	exitCode          = 1
)

// MessageHandler processes messages from Redis Streams. Deliveries are
// at-least-once, so each transaction is handled once per dedup TTL. Entries
// left unacknowledged longer than claimMinIdle are claimed and retried.
type MessageHandler struct {
	redisClient   rueidis.Client
	dedupTTL      time.Duration
	claimMinIdle  time.Duration
	reclaimCursor string
	lastReclaim   time.Time
}

// NewMessageHandler creates a new message handler instance.
func NewMessageHandler(redisClient rueidis.Client, dedupTTL, claimMinIdle time.Duration) *MessageHandler {
	return &MessageHandler{
		redisClient:   redisClient,
		dedupTTL:      dedupTTL,
		claimMinIdle:  claimMinIdle,
		reclaimCursor: reclaimStart,
	}
}

// HandleTransactionRequestedEvent processes a transaction request once.
func (h *MessageHandler) HandleTransactionRequestedEvent(
	ctx context.Context, event *model.TransactionRequestedEvent,
) error {
	first, err := h.markProcessed(ctx, event.TxID)
	if err != nil {
		return err
	}

	if !first {
		slog.InfoContext(ctx, "skipping duplicate delivery", slog.String("tx_id", event.TxID))
		return nil
	}

	if err := h.processTransaction(ctx, event); err != nil {
		h.unmarkProcessed(ctx, event.TxID)
		return err
	}

	return nil
}

func (*MessageHandler) processTransaction(ctx context.Context, event *model.TransactionRequestedEvent) error {
	slog.InfoContext(ctx, "processing transaction request",
		slog.String("tx_id", event.TxID),
		slog.String("account_id", event.AccountID),
		slog.String("kind", event.Kind),
		slog.Int64("amount_cents", event.AmountCents),
		slog.String("requested_at", event.RequestedAt),
	)

	return nil
}

// markProcessed records txID and reports whether this call recorded it first.
func (h *MessageHandler) markProcessed(ctx context.Context, txID string) (bool, error) {
	cmd := h.redisClient.B().Set().
		Key(dedupKeyPrefix + txID).
		Value("1").
		Nx().
		ExSeconds(int64(h.dedupTTL.Seconds())).
		Build()

	err := h.redisClient.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to record delivery of %s: %w", txID, err)
	}

	return true, nil
}

func (h *MessageHandler) unmarkProcessed(ctx context.Context, txID string) {
	cmd := h.redisClient.B().Del().Key(dedupKeyPrefix + txID).Build()
	if err := h.redisClient.Do(ctx, cmd).Error(); err != nil {
		slog.WarnContext(ctx, "failed to clear dedup marker",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

func setupRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}

func createConsumerGroup(ctx context.Context, redisClient rueidis.Client, streamKey, groupName string) {
	createGroupCmd := redisClient.B().XgroupCreate().Key(streamKey).Group(groupName).Id("0").Mkstream().Build()
	if err := redisClient.Do(ctx, createGroupCmd).Error(); err != nil {
		slog.Info("consumer group creation result (may already exist)", slog.String("error", err.Error()))
	}
}

func runConsumerLoop(ctx context.Context, handler *MessageHandler, streamKey, groupName, consumerName string) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer stopped")
			return
		default:
			if err := handler.reclaimIfDue(ctx, streamKey, groupName, consumerName); err != nil && ctx.Err() == nil {
				slog.Error("error reclaiming pending messages", slog.String("error", err.Error()))
			}

			if err := handler.consumeMessages(ctx, streamKey, groupName, consumerName); err != nil {
				if ctx.Err() != nil {
					continue
				}

				slog.Error("error consuming messages", slog.String("error", err.Error()))

				select {
				case <-ctx.Done():
				case <-time.After(errorRetryDelay):
				}
			}
		}
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	redisClient, err := setupRedisClient(cfg)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	handler := NewMessageHandler(redisClient, cfg.Consumer.DedupTTL, cfg.Consumer.ClaimMinIdle)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	streamKey := cfg.SinkTopic
	groupName := cfg.Consumer.Group
	consumerName := cfg.Consumer.Name

	createConsumerGroup(ctx, redisClient, streamKey, groupName)

	slog.Info("starting message consumer",
		slog.String("service", "consumer"),
		slog.String("stream", streamKey),
		slog.String("group", groupName),
		slog.String("consumer", consumerName),
	)

	runConsumerLoop(ctx, handler, streamKey, groupName, consumerName)
}

func (h *MessageHandler) readMessages(
	ctx context.Context,
	streamKey, groupName, consumerName string,
) (map[string][]rueidis.XRangeEntry, error) {
	readCmd := h.redisClient.B().Xreadgroup().Group(groupName, consumerName).
		Count(readCount).
		Block(redisBlockTimeout).
		Streams().
		Key(streamKey).
		Id(">").
		Build()

	result := h.redisClient.Do(ctx, readCmd)
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}

		return nil, err
	}

	return result.AsXRead()
}

func (h *MessageHandler) acknowledgeMessage(ctx context.Context, streamKey, groupName, messageID string) {
	ackCmd := h.redisClient.B().Xack().Key(streamKey).Group(groupName).Id(messageID).Build()
	if err := h.redisClient.Do(ctx, ackCmd).Error(); err != nil {
		slog.Error("failed to ACK message",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	} else {
		slog.Debug("ACKed message", slog.String("message_id", messageID))
	}
}

func (h *MessageHandler) processStreamMessages(
	ctx context.Context,
	streamKey, groupName string,
	messages []rueidis.XRangeEntry,
) {
	for _, message := range messages {
		if err := h.processMessage(ctx, message); err != nil {
			slog.Error("failed to process message",
				slog.String("message_id", message.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		h.acknowledgeMessage(ctx, streamKey, groupName, message.ID)
	}
}

func (h *MessageHandler) consumeMessages(ctx context.Context, streamKey, groupName, consumerName string) error {
	streams, err := h.readMessages(ctx, streamKey, groupName, consumerName)
	if err != nil {
		return err
	}

	for streamName, messages := range streams {
		slog.Debug("processing stream",
			slog.String("stream", streamName),
			slog.Int("message_count", len(messages)),
		)
		h.processStreamMessages(ctx, streamKey, groupName, messages)
	}

	return nil
}

func (h *MessageHandler) reclaimIfDue(ctx context.Context, streamKey, groupName, consumerName string) error {
	if time.Since(h.lastReclaim) < h.claimMinIdle {
		return nil
	}

	h.lastReclaim = time.Now()

	return h.reclaimPending(ctx, streamKey, groupName, consumerName)
}

// reclaimPending takes over one page of entries another delivery left
// unacknowledged, walking the pending list across calls.
func (h *MessageHandler) reclaimPending(ctx context.Context, streamKey, groupName, consumerName string) error {
	claimCmd := h.redisClient.B().Xautoclaim().
		Key(streamKey).
		Group(groupName).
		Consumer(consumerName).
		MinIdleTime(strconv.FormatInt(h.claimMinIdle.Milliseconds(), 10)).
		Start(h.reclaimCursor).
		Count(readCount).
		Build()

	reply, err := h.redisClient.Do(ctx, claimCmd).ToArray()
	if err != nil {
		return fmt.Errorf("failed to claim pending messages: %w", err)
	}

	if len(reply) < 2 {
		return fmt.Errorf("unexpected XAUTOCLAIM reply with %d elements", len(reply))
	}

	next, err := reply[0].ToString()
	if err != nil {
		return err
	}

	entries, err := reply[1].AsXRange()
	if err != nil {
		return err
	}

	h.reclaimCursor = next
	if next == "0-0" {
		h.reclaimCursor = reclaimStart
	}

	if len(entries) == 0 {
		return nil
	}

	slog.Info("reclaimed pending messages", slog.Int("message_count", len(entries)))

	live := entries[:0]

	for _, entry := range entries {
		if entry.FieldValues == nil {
			// Trimmed from the stream while pending.
			h.acknowledgeMessage(ctx, streamKey, groupName, entry.ID)
			continue
		}

		live = append(live, entry)
	}

	h.processStreamMessages(ctx, streamKey, groupName, live)

	return nil
}

func (h *MessageHandler) processMessage(ctx context.Context, message rueidis.XRangeEntry) error {
	slog.Debug("received message",
		slog.String("message_id", message.ID),
		slog.Any("fields", message.FieldValues),
	)

	eventType, ok := message.FieldValues[sink.AttributeEventType]
	if !ok {
		return errors.New("missing event_type in message")
	}

	payloadStr, ok := message.FieldValues[sink.PayloadField]
	if !ok {
		return errors.New("missing payload in message")
	}

	switch model.EventType(eventType) {
	case model.EventTypeTransactionRequested:
		var event model.TransactionRequestedEvent
		if err := json.Unmarshal([]byte(payloadStr), &event); err != nil {
			return fmt.Errorf("failed to parse %s payload: %w", eventType, err)
		}

		return h.HandleTransactionRequestedEvent(ctx, &event)
	default:
		slog.Warn("unknown event type", slog.String("event_type", eventType))
		return nil
	}
}
