package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/spokedpy/backend/internal/api"
	"github.com/spokedpy/backend/internal/config"
	"github.com/spokedpy/backend/internal/events"
	"github.com/spokedpy/backend/internal/executor"
	"github.com/spokedpy/backend/internal/fabric"
	"github.com/spokedpy/backend/internal/lang"
	"github.com/spokedpy/backend/internal/mesh"
	"github.com/spokedpy/backend/internal/metrics"
)

func main() {
	log.Println("🔥 Starting polyglot execution fabric...")

	// .env is optional; real deployments set the environment directly
	godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	met := metrics.New()

	pool := executor.NewPool(cfg.Paths.WorkDir)
	available := 0
	for _, ok := range pool.Health() {
		if ok {
			available++
		}
	}
	log.Printf("⚙️  Executor pool ready: %d/%d toolchains available", available, len(lang.Languages))

	fab := fabric.New(cfg, pool, met)

	// Mesh lanes come out of the pool before restore so replayed snippets
	// never land on them.
	var relay *mesh.Relay
	if cfg.Mesh.Enabled {
		instanceID := cfg.Mesh.InstanceID
		if instanceID == "" {
			instanceID = "fabric-" + uuid.New().String()[:8]
		}
		primary := lang.Languages[0]
		fab.Pipeline.ReservePositions(primary.Name, mesh.OutboundFirst, mesh.InboundLast)
		relay = mesh.New(instanceID, primary.Letter, fab.Registry,
			time.Duration(cfg.Mesh.HeartbeatSeconds)*time.Second)
		relay.Start(0)
		log.Printf("🌐 Mesh relay enabled: instance=%s lanes=%c%d-%c%d", instanceID,
			primary.Letter, mesh.OutboundFirst, primary.Letter, mesh.InboundLast)
	}

	restored, err := fab.Restore(context.Background())
	if err != nil {
		log.Printf("⚠️  Checkpoint restore failed: %v", err)
	} else if restored > 0 {
		log.Printf("♻️  Restored %d promoted snippets from checkpoint", restored)
	}

	var mirror *events.RedisMirror
	if cfg.Redis.Addr != "" {
		mirror = events.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.Channel, fab.Bus)
		log.Printf("📮 Event mirror attached: redis=%s channel=%s", cfg.Redis.Addr, cfg.Redis.Channel)
	}

	server := api.NewServer(fab, relay)
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("🚀 Fabric listening on :%s (capacity %d slots)", cfg.Server.Port, lang.TotalCapacity())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	if relay != nil {
		relay.Stop()
	}
	if mirror != nil {
		mirror.Close()
	}
	fab.Shutdown()
	log.Println("💾 Final checkpoint written. Goodbye.")
}
