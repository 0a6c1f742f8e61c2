package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"modguard.org/internal/action"
	"modguard.org/internal/audit"
	"modguard.org/internal/auth"
	"modguard.org/internal/authz"
	"modguard.org/internal/directory"
	"modguard.org/internal/httpapi"
	"modguard.org/internal/obs"
	"modguard.org/internal/relay"
	"modguard.org/internal/store/pg"
	"modguard.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		dir     directory.Store
		records action.RecordStore
		ledger  audit.Ledger
		pgStore *pg.Store
	)
	if dsn := os.Getenv("MODGUARD_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		dir, records, ledger = pgStore, pgStore, pgStore
	} else {
		log.Printf("MODGUARD_PG_DSN not set, using in-memory stores")
		dir = directory.NewInMemory()
		records = action.NewInMemoryRecords()
		ledger = audit.NewInMemory()
	}

	keyring, err := auth.ParseKeyring(os.Getenv("MODGUARD_API_KEYS"))
	if err != nil {
		log.Fatalf("parse api keys: %v", err)
	}

	resolver, err := authz.NewResolver(dir, ledger)
	if err != nil {
		log.Fatalf("build resolver: %v", err)
	}

	var exec action.Executor
	if base := os.Getenv("MODGUARD_RELAY_URL"); base != "" {
		exec, err = relay.Dial(base, os.Getenv("MODGUARD_RELAY_KEY"))
		if err != nil {
			log.Fatalf("dial relay: %v", err)
		}
	} else {
		// Dev fallback: acknowledge instead of reaching a relay.
		log.Printf("MODGUARD_RELAY_URL not set, actions are acknowledged locally")
		exec = action.ExecutorFunc(func(ctx context.Context, req action.Request) (string, error) {
			return "acknowledged", nil
		})
	}

	events := stream.New()
	coordinator, err := action.NewCoordinator(records, resolver, ledger, dir, exec,
		action.WithNotifier(func(rec action.Record) {
			events.Publish(stream.ActionEvent{
				Key:       rec.Key,
				Kind:      string(rec.Kind),
				ActorID:   rec.ActorID,
				GroupID:   rec.GroupID,
				TargetID:  rec.TargetID,
				State:     string(rec.State),
				Error:     rec.LastError,
				Timestamp: rec.UpdatedAt,
			})
		}),
	)
	if err != nil {
		log.Fatalf("build coordinator: %v", err)
	}

	// Periodic sweep fails dispatches stuck past the liveness window.
	sweeper := cron.New()
	sweepSpec := os.Getenv("MODGUARD_SWEEP_SCHEDULE")
	if sweepSpec == "" {
		sweepSpec = "@every 1m"
	}
	if _, err := sweeper.AddFunc(sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := coordinator.Sweep(ctx)
		if err != nil {
			obs.LogEvent(map[string]any{"event": "sweep_error", "error": err.Error()})
			return
		}
		if n > 0 {
			obs.LogEvent(map[string]any{"event": "sweep", "failed": n})
		}
	}); err != nil {
		log.Fatalf("schedule sweep: %v", err)
	}
	sweeper.Start()

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	api := httpapi.New(probe, version, resolver, coordinator, ledger, dir, keyring, events)

	addr := os.Getenv("MODGUARD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting modguard-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-sweeper.Stop().Done()
	_ = srv.Shutdown(ctx)
	api.Close()
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
