// Command fediverse-crawler is both the orchestrator and its own checker
// subprocess: run with no arguments it drives the main loop against a
// SQLite store; run as "fediverse-crawler --check <host>" it performs one
// NodeInfo probe and reports the verdict as IPC lines on stdout (spec §4.A
// and §4.D). The orchestrator re-execs itself (os.Executable()) for the latter,
// the same shape as the original's separate checker binary collapsed into
// one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/config"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/httpx"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/instance"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/metrics"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/orchestrator"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/pool"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/probe"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/store"
)

func main() {
	checkHost := flag.String("check", "", "run a single NodeInfo check against this host and exit")
	envFile := flag.String("env-file", "", "optional .env file to load before reading configuration")
	flag.Parse()

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			log.Fatalf("load env file %s: %v", *envFile, err)
		}
	}
	cfg := config.Load()

	if *checkHost != "" {
		os.Exit(runCheck(cfg, *checkHost))
	}
	os.Exit(runOrchestrator(cfg))
}

// runCheck performs one probe and writes its IPC verdict to stdout. The
// orchestrator ignores the exit code and reads "no stdout output" as a DEAD
// verdict, so probe errors are logged to stderr and end in no output rather
// than a crash.
func runCheck(cfg *config.Config, host string) int {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
	defer cancel()

	client := httpx.New(cfg.ProbeTimeout)
	result, err := probe.Run(ctx, client, instance.NewHost(host).String())
	if err != nil {
		log.Printf("check %s: %v", host, err)
		return 1
	}
	if err := probe.Emit(os.Stdout, result); err != nil {
		log.Printf("check %s: emit: %v", host, err)
		return 1
	}
	return 0
}

// runOrchestrator drives the main loop until SIGINT/SIGTERM, then returns a
// process exit code.
func runOrchestrator(cfg *config.Config) int {
	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("resolve own executable path: %v", err)
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer s.Close()

	if err := s.Init(instance.NewHost(cfg.SeedHost)); err != nil {
		log.Fatalf("init store: %v", err)
	}
	if err := s.RescheduleMissedChecks(); err != nil {
		log.Fatalf("reschedule missed checks: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	p := pool.New(cfg.SpawnRatePerSecond)
	o := orchestrator.New(s, p, exe, cfg.ListPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		o.Stop()
	}()

	if err := o.Run(context.Background()); err != nil {
		log.Printf("orchestrator: %v", err)
		return 1
	}
	fmt.Println("shutting down")
	return 0
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server: %v", err)
	}
}
