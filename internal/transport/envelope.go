// Package transport carries deltas between agents over Kafka.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/memmesh/internal/memory"
)

// ErrInvalidEnvelope is returned for envelopes that fail validation.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope type constants.
const (
	EnvelopeDelta    = "delta"
	EnvelopeAnnounce = "announce"
)

// Envelope is the wire format of every memmesh Kafka message. Delta holds
// the binary-encoded memory delta.
type Envelope struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	SenderID      string    `json:"sender_id"`
	TargetID      string    `json:"target_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Delta         []byte    `json:"delta,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// Validate checks required fields for the envelope type.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.SenderID) == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidEnvelope)
	}
	switch e.Type {
	case EnvelopeDelta:
		if e.TargetID == "" {
			return fmt.Errorf("%w: delta without target", ErrInvalidEnvelope)
		}
		if len(e.Delta) == 0 {
			return fmt.Errorf("%w: empty delta", ErrInvalidEnvelope)
		}
	case EnvelopeAnnounce:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// DecodeDelta returns the delta carried by a delta envelope.
func (e Envelope) DecodeDelta() (memory.Delta, error) {
	if e.Type != EnvelopeDelta {
		return memory.Delta{}, fmt.Errorf("%w: %s envelope carries no delta", ErrInvalidEnvelope, e.Type)
	}
	return memory.DecodeDelta(e.Delta)
}

// TopicNames are the shared topics of a cluster.
type TopicNames struct {
	Announce string
}

// Topics returns the shared topic names for cluster.
func Topics(cluster string) TopicNames {
	return TopicNames{Announce: fmt.Sprintf("memmesh.%s.announce", cluster)}
}

// AgentTopic is the inbox topic of one agent.
func AgentTopic(cluster, agentID string) string {
	return fmt.Sprintf("memmesh.%s.agent.%s.deltas", cluster, agentID)
}

// ParseAgentTopic extracts the agent id from an inbox topic of cluster.
func ParseAgentTopic(cluster, topic string) (string, bool) {
	prefix := fmt.Sprintf("memmesh.%s.agent.", cluster)
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, ".deltas") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), ".deltas")
	return id, id != ""
}
