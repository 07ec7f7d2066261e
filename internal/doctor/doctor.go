// Package doctor checks that a memmesh node can reach what it depends on:
// its configuration, its SQLite store and, when enabled, the Kafka brokers
// and topics of its cluster.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/memmesh/internal/config"
	"github.com/KafClaw/memmesh/internal/store"
	"github.com/KafClaw/memmesh/internal/transport"
)

// Status is the result of one check.
type Status string

const (
	OK   Status = "OK"
	WARN Status = "WARN"
	FAIL Status = "FAIL"
	SKIP Status = "SKIP"
)

// Row is a single check result.
type Row struct {
	Component string `json:"component"`
	Target    string `json:"target"`
	Status    Status `json:"status"`
	Detail    string `json:"detail"`
	Hint      string `json:"hint,omitempty"`
}

// Report collects check results.
type Report struct {
	Rows       []Row     `json:"rows"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r *Report) add(row Row) {
	r.Rows = append(r.Rows, row)
	slog.Debug("Doctor: check", "component", row.Component, "target", row.Target, "status", row.Status, "detail", row.Detail)
}

// Failed reports whether any check failed.
func (r *Report) Failed() bool {
	for _, row := range r.Rows {
		if row.Status == FAIL {
			return true
		}
	}
	return false
}

// Options bounds a run.
type Options struct {
	// Timeout is the per-operation network timeout.
	Timeout time.Duration
	// Agents are the local agents whose inbox topics are checked.
	Agents []string
}

// Run checks cfg. The store check opens the database read path; the Kafka
// checks only run when Kafka is enabled.
func Run(ctx context.Context, cfg *config.Config, opts Options) *Report {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	r := &Report{StartedAt: time.Now().UTC()}
	CheckStore(ctx, r, cfg)
	if !cfg.Kafka.Enabled {
		r.add(Row{"kafka", "-", SKIP, "Kafka transport disabled; deltas use the local inbox", ""})
	} else {
		CheckKafka(ctx, r, cfg.Kafka, opts)
	}
	r.FinishedAt = time.Now().UTC()
	return r
}

// CheckStore opens the configured database and reads the inbox backlog.
func CheckStore(ctx context.Context, r *Report, cfg *config.Config) {
	path, err := cfg.DBPath()
	if err != nil {
		r.add(Row{"store", "-", FAIL, fmt.Sprintf("resolve db path: %v", err), "Check MEMMESH_HOME and paths.db."})
		return
	}
	st, err := store.Open(path)
	if err != nil {
		r.add(Row{"store", path, FAIL, fmt.Sprintf("open failed: %v", err), "Check the directory exists and is writable."})
		return
	}
	defer st.Close()
	r.add(Row{"store", path, OK, "Opened and migrated", ""})

	n, err := st.CountPending(ctx, "")
	switch {
	case err != nil:
		r.add(Row{"store", "delta_queue", FAIL, fmt.Sprintf("count pending: %v", err), ""})
	case n > cfg.Sync.BufferLimit && cfg.Sync.BufferLimit > 0:
		r.add(Row{"store", "delta_queue", WARN, fmt.Sprintf("%d deltas pending", n), "Run serve, drain or sync to deliver the backlog."})
	default:
		r.add(Row{"store", "delta_queue", OK, fmt.Sprintf("%d deltas pending", n), ""})
	}
}

// CheckKafka resolves and dials every broker, then checks that the cluster
// topics are visible.
func CheckKafka(ctx context.Context, r *Report, kc config.KafkaConfig, opts Options) {
	if len(kc.Brokers) == 0 {
		r.add(Row{"kafka", "-", FAIL, "No brokers configured", "Set kafka.brokers or MEMMESH_KAFKA_BROKERS."})
		return
	}
	var reachable string
	for _, b := range kc.Brokers {
		b = strings.TrimSpace(b)
		host, _, err := net.SplitHostPort(b)
		if err != nil {
			r.add(Row{"kafka", b, FAIL, "Invalid host:port", "Fix kafka.brokers format (host:port)."})
			continue
		}
		if !checkDNS(ctx, r, host) || !checkTCP(ctx, r, b, opts.Timeout) {
			continue
		}
		if checkBroker(ctx, r, b, opts.Timeout) && reachable == "" {
			reachable = b
		}
	}
	if reachable == "" {
		return
	}
	topics := []string{transport.Topics(kc.Cluster).Announce}
	for _, a := range opts.Agents {
		topics = append(topics, transport.AgentTopic(kc.Cluster, a))
	}
	checkTopics(ctx, r, reachable, topics, opts.Timeout)
}

func checkDNS(ctx context.Context, r *Report, host string) bool {
	if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
		r.add(Row{"kafka", host, FAIL, fmt.Sprintf("DNS lookup failed: %v", err), "Check /etc/hosts, DNS server and VPN search domains."})
		return false
	}
	r.add(Row{"kafka", host, OK, "Resolved host", ""})
	return true
}

func checkTCP(ctx context.Context, r *Report, addr string, timeout time.Duration) bool {
	start := time.Now()
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		r.add(Row{"kafka", addr, FAIL, fmt.Sprintf("TCP connect failed: %v", err), "Firewall, security groups, listeners or routing."})
		return false
	}
	conn.Close()
	r.add(Row{"kafka", addr, OK, fmt.Sprintf("Connected in %s", time.Since(start).Truncate(time.Millisecond)), ""})
	return true
}

func checkBroker(ctx context.Context, r *Report, addr string, timeout time.Duration) bool {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := (&kafka.Dialer{Timeout: timeout}).DialContext(dctx, "tcp", addr)
	if err != nil {
		r.add(Row{"kafka", addr, FAIL, fmt.Sprintf("broker dial failed: %v", err), hint(err)})
		return false
	}
	defer conn.Close()
	if _, err := conn.ApiVersions(); err != nil {
		r.add(Row{"kafka", addr, FAIL, fmt.Sprintf("ApiVersions failed: %v", err), "Broker incompatible or proxy interfering."})
		return false
	}
	r.add(Row{"kafka", addr, OK, "ApiVersions OK", ""})
	return true
}

func checkTopics(ctx context.Context, r *Report, addr string, topics []string, timeout time.Duration) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := (&kafka.Dialer{Timeout: timeout}).DialContext(dctx, "tcp", addr)
	if err != nil {
		r.add(Row{"kafka", addr, FAIL, fmt.Sprintf("broker dial failed: %v", err), hint(err)})
		return
	}
	defer conn.Close()
	parts, err := conn.ReadPartitions()
	if err != nil {
		r.add(Row{"kafka", addr, FAIL, fmt.Sprintf("ReadPartitions failed: %v", err), hint(err)})
		return
	}
	leaders := map[string]int{}
	for _, p := range parts {
		if _, ok := leaders[p.Topic]; !ok {
			leaders[p.Topic] = 0
		}
		if p.Leader.Host != "" {
			leaders[p.Topic]++
		}
	}
	for _, t := range topics {
		n, ok := leaders[t]
		if !ok {
			r.add(Row{"kafka", t, WARN, "Topic not found", "Create it or enable auto.create.topics.enable on the brokers."})
			continue
		}
		r.add(Row{"kafka", t, OK, fmt.Sprintf("Topic visible; leader partitions=%d", n), ""})
	}
}

func hint(err error) string {
	if err == nil {
		return ""
	}
	var ke kafka.Error
	if errors.As(err, &ke) {
		switch ke {
		case kafka.TopicAuthorizationFailed:
			return "Missing topic ACL: Write/Describe for produce, Read/Describe for consume."
		case kafka.GroupAuthorizationFailed:
			return "Missing group ACL: Read/Describe on the consumer group."
		case kafka.SASLAuthenticationFailed:
			return "Verify the SASL mechanism and credentials."
		case kafka.LeaderNotAvailable, kafka.NotLeaderForPartition:
			return "Leader not available; check broker health."
		}
	}
	if isTimeout(err) {
		return "Client timeout: check network path, firewall, DNS or advertised.listeners."
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	em := strings.ToLower(err.Error())
	return strings.Contains(em, "deadline exceeded") || strings.Contains(em, "i/o timeout")
}
