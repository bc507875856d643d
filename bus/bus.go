// Package bus abstracts the message bus carrying sync messages on one
// logical topic, keyed by identity for partition affinity.
//
// Delivery is at-least-once: a handler error leaves the message unacked, so
// consumers must be idempotent (the document-store applier is, via its
// version check).
package bus

import (
	"context"

	"github.com/unkn0wn-root/profsync"
)

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg *profsync.SyncMessage) error

// Bus is a publish/consume topic. Each consumer group receives every
// published message; within a group a message is delivered to one consumer.
type Bus interface {
	Publish(ctx context.Context, msg *profsync.SyncMessage) error

	// Consume blocks, delivering messages to h until ctx is canceled.
	Consume(ctx context.Context, group string, h Handler) error

	Close(ctx context.Context) error
}
