package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/memmesh/internal/config"
)

func TestRunWithKafkaDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.DB = filepath.Join(t.TempDir(), "memmesh.db")

	r := Run(context.Background(), cfg, Options{})
	if r.Failed() {
		t.Fatalf("unexpected failure: %+v", r.Rows)
	}
	var skipped, store int
	for _, row := range r.Rows {
		switch {
		case row.Component == "kafka" && row.Status == SKIP:
			skipped++
		case row.Component == "store" && row.Status == OK:
			store++
		}
	}
	if skipped != 1 || store != 2 {
		t.Fatalf("unexpected rows %+v", r.Rows)
	}
}

func TestCheckKafkaUnreachableBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	r := &Report{}
	CheckKafka(context.Background(), r, config.KafkaConfig{Brokers: []string{addr, "no-port"}, Cluster: "c"}, Options{Timeout: time.Second})
	if !r.Failed() {
		t.Fatalf("expected failures, got %+v", r.Rows)
	}
	var tcp, format bool
	for _, row := range r.Rows {
		if row.Target == addr && row.Status == FAIL {
			tcp = true
		}
		if row.Target == "no-port" && row.Status == FAIL {
			format = true
		}
	}
	if !tcp || !format {
		t.Fatalf("expected tcp and format failures, got %+v", r.Rows)
	}
}

func TestCheckKafkaNoBrokers(t *testing.T) {
	r := &Report{}
	CheckKafka(context.Background(), r, config.KafkaConfig{}, Options{})
	if len(r.Rows) != 1 || r.Rows[0].Status != FAIL {
		t.Fatalf("unexpected rows %+v", r.Rows)
	}
}

func TestHint(t *testing.T) {
	if hint(nil) != "" {
		t.Fatal("nil error has no hint")
	}
	if hint(fmt.Errorf("produce: %w", kafka.TopicAuthorizationFailed)) == "" {
		t.Fatal("expected ACL hint")
	}
	if hint(context.DeadlineExceeded) == "" {
		t.Fatal("expected timeout hint")
	}
	if hint(errors.New("boom")) != "" {
		t.Fatal("unknown errors have no hint")
	}
}
