// Package router splits the sync topic into priority tiers. It consumes the
// inbound topic, partitions messages by identity so updates for one identity
// stay ordered, and republishes each message to the IMMEDIATE or BATCH
// downstream topic.
package router

import (
	"context"
	"hash/fnv"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/profsync"
	"github.com/unkn0wn-root/profsync/bus"
)

const (
	defaultGroup      = "router"
	defaultPartitions = 8
	defaultBuffer     = 64
)

type Router struct {
	in        bus.Bus
	group     string
	immediate bus.Bus
	batch     bus.Bus
	log       profsync.Logger
	hooks     profsync.Hooks

	partitions int
	buffer     int
}

// Options wire the router. In, Immediate and Batch are required; Immediate
// and Batch may be the same bus when downstream separation is not needed.
type Options struct {
	In    bus.Bus
	Group string // consumer group on In; "" => "router"

	Immediate bus.Bus
	Batch     bus.Bus

	// Partitions is the number of ordered lanes; messages for one identity
	// always take the same lane. 0 => 8.
	Partitions int
	Buffer     int // per-lane queue depth; 0 => 64

	Logger profsync.Logger
	Hooks  profsync.Hooks
}

func New(opts Options) (*Router, error) {
	if opts.In == nil || opts.Immediate == nil || opts.Batch == nil {
		return nil, &profsync.Error{Kind: profsync.KindInvalidArgument, Msg: "router: in, immediate and batch buses are required"}
	}
	r := &Router{
		in:         opts.In,
		group:      opts.Group,
		immediate:  opts.Immediate,
		batch:      opts.Batch,
		log:        opts.Logger,
		hooks:      opts.Hooks,
		partitions: opts.Partitions,
		buffer:     opts.Buffer,
	}
	if r.group == "" {
		r.group = defaultGroup
	}
	if r.log == nil {
		r.log = profsync.NopLogger{}
	}
	if r.hooks == nil {
		r.hooks = profsync.NopHooks{}
	}
	if r.partitions <= 0 {
		r.partitions = defaultPartitions
	}
	if r.buffer <= 0 {
		r.buffer = defaultBuffer
	}
	return r, nil
}

// laneJob carries one message through a lane together with the channel the
// consume handler blocks on. The inbound message is acknowledged only after
// the lane worker reports the downstream publish outcome.
type laneJob struct {
	msg  *profsync.SyncMessage
	done chan error
}

// Run consumes and routes until ctx is canceled. A message is acked upstream
// only once its downstream publish finished; a failed publish propagates an
// error to the consumer, leaving the message pending for redelivery (the
// version check on the consuming side makes re-processing idempotent).
func (r *Router) Run(ctx context.Context) error {
	lanes := make([]chan laneJob, r.partitions)
	for i := range lanes {
		lanes[i] = make(chan laneJob, r.buffer)
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := range lanes {
		lane := lanes[i]
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case job := <-lane:
					job.done <- r.route(gctx, job.msg)
				}
			}
		})
	}

	g.Go(func() error {
		return r.in.Consume(gctx, r.group, func(hctx context.Context, msg *profsync.SyncMessage) error {
			job := laneJob{msg: msg, done: make(chan error, 1)}
			select {
			case lanes[r.lane(msg.Identity)] <- job:
			case <-hctx.Done():
				return hctx.Err()
			}
			select {
			case err := <-job.done:
				return err
			case <-hctx.Done():
				return hctx.Err()
			}
		})
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *Router) lane(identity string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return int(h.Sum32() % uint32(r.partitions))
}

func (r *Router) route(ctx context.Context, msg *profsync.SyncMessage) error {
	var out bus.Bus
	switch msg.Priority {
	case profsync.PriorityImmediate:
		out = r.immediate
	case profsync.PriorityBatch:
		out = r.batch
	default:
		// unknown tier degrades to the safe one instead of dropping
		r.log.Warn("unknown priority routed to batch", profsync.Fields{
			"identity": msg.Identity,
			"priority": string(msg.Priority),
		})
		r.hooks.RouterFallback(msg.Identity, string(msg.Priority))
		msg.Priority = profsync.PriorityBatch
		out = r.batch
	}

	err := out.Publish(ctx, msg)
	if err != nil {
		err = out.Publish(ctx, msg) // one retry
	}
	if err != nil {
		r.log.Error("route publish failed", profsync.Fields{
			"identity": msg.Identity,
			"priority": string(msg.Priority),
			"error":    err.Error(),
		})
		r.hooks.RouterPublishFailed(msg.Identity, err)
		return err
	}
	return nil
}
