// Package redis implements bus.Bus on Redis Streams. Consumer groups map
// directly onto Redis consumer groups; each consumer gets a unique name so
// multiple processes in the same group share the stream.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/profsync"
	"github.com/unkn0wn-root/profsync/bus"
	"github.com/unkn0wn-root/profsync/codec"
)

const (
	defaultStream = "profsync:sync"
	payloadField  = "payload"
	identityField = "identity"

	readCount    = 16
	claimMinIdle = 30 * time.Second
)

type Bus struct {
	rdb         goredis.UniversalClient
	stream      string
	codec       codec.Codec[*profsync.SyncMessage]
	log         profsync.Logger
	block       time.Duration
	closeClient bool
}

var _ bus.Bus = (*Bus)(nil)

type Config struct {
	Client goredis.UniversalClient

	// Stream is the stream key. Defaults to "profsync:sync".
	Stream string

	// Codec serializes messages onto the stream. Defaults to JSON.
	Codec codec.Codec[*profsync.SyncMessage]

	Logger profsync.Logger

	// BlockInterval bounds each XREADGROUP block so context cancellation is
	// observed promptly. Defaults to 2s.
	BlockInterval time.Duration

	// CloseClient closes the underlying client on Close.
	CloseClient bool
}

func New(cfg Config) (*Bus, error) {
	if cfg.Client == nil {
		return nil, errors.New("bus/redis: nil client")
	}
	c := cfg.Codec
	if c == nil {
		c = codec.JSON[*profsync.SyncMessage]{}
	}
	log := cfg.Logger
	if log == nil {
		log = profsync.NopLogger{}
	}
	block := cfg.BlockInterval
	if block <= 0 {
		block = 2 * time.Second
	}
	stream := cfg.Stream
	if stream == "" {
		stream = defaultStream
	}
	return &Bus{
		rdb:         cfg.Client,
		stream:      stream,
		codec:       c,
		log:         log,
		block:       block,
		closeClient: cfg.CloseClient,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, msg *profsync.SyncMessage) error {
	payload, err := b.codec.Encode(msg)
	if err != nil {
		return err
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{
			identityField: msg.Identity,
			payloadField:  payload,
		},
	}).Err()
}

// Consume reads messages for the group until ctx is canceled. New groups
// start at the stream tail. Entries left pending by dead consumers are
// reclaimed once they have been idle past claimMinIdle.
func (b *Bus) Consume(ctx context.Context, group string, h bus.Handler) error {
	if err := b.ensureGroup(ctx, group); err != nil {
		return err
	}
	consumer := "c-" + uuid.NewString()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.claimStale(ctx, group, consumer, h)

		streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    readCount,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue // block timeout, nothing new
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("stream read failed", profsync.Fields{"stream": b.stream, "error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.block):
			}
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				b.handle(ctx, group, entry, h)
			}
		}
	}
}

func (b *Bus) handle(ctx context.Context, group string, entry goredis.XMessage, h bus.Handler) {
	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		// malformed entry, ack so it does not wedge the group
		b.log.Error("stream entry missing payload", profsync.Fields{"id": entry.ID})
		_ = b.rdb.XAck(ctx, b.stream, group, entry.ID).Err()
		return
	}
	msg, err := b.codec.Decode([]byte(raw))
	if err != nil {
		b.log.Error("stream entry decode failed", profsync.Fields{"id": entry.ID, "error": err.Error()})
		_ = b.rdb.XAck(ctx, b.stream, group, entry.ID).Err()
		return
	}
	if err := h(ctx, msg); err != nil {
		// leave pending for redelivery
		b.log.Warn("handler failed, message left pending", profsync.Fields{
			"id":       entry.ID,
			"identity": msg.Identity,
			"error":    err.Error(),
		})
		return
	}
	_ = b.rdb.XAck(ctx, b.stream, group, entry.ID).Err()
}

// claimStale takes over entries another consumer read but never acked.
func (b *Bus) claimStale(ctx context.Context, group, consumer string, h bus.Handler) {
	entries, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   b.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    readCount,
	}).Result()
	if err != nil || len(entries) == 0 {
		return
	}
	for _, entry := range entries {
		b.handle(ctx, group, entry, h)
	}
}

func (b *Bus) ensureGroup(ctx context.Context, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (b *Bus) Close(_ context.Context) error {
	if b.closeClient {
		return b.rdb.Close()
	}
	return nil
}
