package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/memmesh/internal/transport"
)

var servePruneInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run delivery, live projections, the Kafka router and /metrics",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&servePruneInterval, "prune-interval", time.Hour, "How often expired rows are pruned")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !flagJSON {
		printHeader(cmd.OutOrStdout(), "memmesh serve")
	}
	slog.Info("Serve: starting", "multi_agent", a.eng.MultiAgent(), "kafka", a.cfg.Kafka.Enabled, "metrics", a.cfg.Metrics.Addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.eng.Run(ctx) })
	g.Go(func() error { return a.eng.RunPruner(ctx, servePruneInterval) })
	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr) })
	}
	if a.cfg.Kafka.Enabled {
		g.Go(func() error { return a.runRouter(ctx) })
	}
	err = g.Wait()
	slog.Info("Serve: stopped")
	return err
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	slog.Info("Serve: metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runRouter consumes every local agent's inbox topic and announces the
// agents on the cluster topic. Agents registered later are picked up on the
// next poll.
func (a *app) runRouter(ctx context.Context) error {
	kc := a.cfg.Kafka
	topics := transport.Topics(kc.Cluster)
	consumer := transport.NewKafkaConsumer(transport.KafkaConsumerConfig{
		Brokers: kc.Brokers,
		GroupID: kc.ConsumerGroup,
	}, topics.Announce)
	router := transport.NewRouter(kc.Cluster, consumer, a.eng)
	router.SetAnnounceHandler(func(env transport.Envelope) {
		slog.Info("Serve: agent announced", "agent", env.SenderID, "detail", env.Detail)
	})
	pub := transport.NewPublisher(a.producer, kc.Cluster)

	listening := map[string]bool{}
	listen := func() {
		agents, err := a.eng.ListAgents(ctx, false)
		if err != nil {
			slog.Warn("Serve: list agents failed", "error", err)
			return
		}
		active := map[string]bool{}
		for _, ag := range agents {
			active[ag.ID] = true
		}
		for id := range listening {
			if active[id] {
				continue
			}
			if err := router.Unlisten(id); err != nil {
				slog.Warn("Serve: unlisten failed", "agent", id, "error", err)
			}
			delete(listening, id)
		}
		for _, ag := range agents {
			if listening[ag.ID] {
				continue
			}
			if err := router.Listen(ag.ID); err != nil {
				slog.Warn("Serve: listen failed", "agent", ag.ID, "error", err)
				continue
			}
			listening[ag.ID] = true
			if err := pub.Announce(ctx, ag.ID, ag.Name); err != nil {
				slog.Warn("Serve: announce failed", "agent", ag.ID, "error", err)
			}
		}
	}
	listen()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error {
		interval := a.cfg.Sync.PollInterval
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval * 10)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				listen()
			}
		}
	})
	return g.Wait()
}
