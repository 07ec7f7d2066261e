package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// DeltaHandler receives deltas addressed to a local agent.
type DeltaHandler interface {
	HandleDelta(ctx context.Context, env Envelope) error
}

// AnnounceHandler receives presence messages.
type AnnounceHandler func(env Envelope)

// Router dispatches consumed messages by topic.
type Router struct {
	cluster  string
	consumer Consumer
	deltas   DeltaHandler
	announce AnnounceHandler
	topics   TopicNames
}

// NewRouter creates a router over consumer for cluster.
func NewRouter(cluster string, consumer Consumer, deltas DeltaHandler) *Router {
	return &Router{
		cluster:  cluster,
		consumer: consumer,
		deltas:   deltas,
		topics:   Topics(cluster),
	}
}

// SetAnnounceHandler registers a callback for presence messages.
func (r *Router) SetAnnounceHandler(h AnnounceHandler) {
	r.announce = h
}

// Listen subscribes to agentID's inbox topic.
func (r *Router) Listen(agentID string) error {
	return r.consumer.Subscribe(AgentTopic(r.cluster, agentID))
}

// Unlisten stops reading agentID's inbox topic.
func (r *Router) Unlisten(agentID string) error {
	return r.consumer.Unsubscribe(AgentTopic(r.cluster, agentID))
}

// Run consumes and routes messages until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	if err := r.consumer.Start(ctx); err != nil {
		return fmt.Errorf("router: start consumer: %w", err)
	}
	defer r.consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.consumer.Messages():
			if !ok {
				return nil
			}
			if r.handleMessage(ctx, msg) {
				if err := msg.Commit(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("Router: commit failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
				}
			}
		}
	}
}

// handleMessage routes one message and reports whether it may be
// committed. Malformed messages are committed so they are not fetched
// again; a delta the handler failed to queue is left uncommitted.
func (r *Router) handleMessage(ctx context.Context, msg ConsumerMessage) bool {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		slog.Warn("Router: unmarshal envelope", "error", err, "topic", msg.Topic)
		return true
	}
	if err := env.Validate(); err != nil {
		slog.Warn("Router: dropping envelope", "error", err, "topic", msg.Topic)
		return true
	}

	switch {
	case msg.Topic == r.topics.Announce:
		if r.announce != nil {
			r.announce(env)
		}
	case env.Type == EnvelopeDelta:
		target, ok := ParseAgentTopic(r.cluster, msg.Topic)
		if !ok || target != env.TargetID {
			slog.Warn("Router: delta on wrong topic", "topic", msg.Topic, "target", env.TargetID)
			return true
		}
		if err := r.deltas.HandleDelta(ctx, env); err != nil {
			slog.Warn("Router: delta handler failed", "error", err, "target", target, "sender", env.SenderID, "offset", msg.Offset)
			return false
		}
	default:
		slog.Debug("Router: unknown topic", "topic", msg.Topic)
	}
	return true
}
