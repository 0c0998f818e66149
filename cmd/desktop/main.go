// Package main provides the embedded sync engine server for desktop
// platforms. Desktop clients communicate via REST/WebSocket on localhost.
package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/halcyonlabs/sphere/backend/cmd/desktop/handlers"
	"github.com/halcyonlabs/sphere/backend/internal/logging"
	"github.com/halcyonlabs/sphere/backend/internal/store"
	"github.com/halcyonlabs/sphere/backend/internal/syncx"
	"github.com/halcyonlabs/sphere/backend/internal/syncx/conflict"
	"github.com/halcyonlabs/sphere/backend/internal/syncx/queue"
)

// config holds the desktop server settings, read from the environment.
type config struct {
	DataDir   string
	Port      string
	RemoteURL string
}

func loadConfig() config {
	cfg := config{
		DataDir:   os.Getenv("SPHERE_DATA_DIR"),
		Port:      os.Getenv("SPHERE_PORT"),
		RemoteURL: os.Getenv("SPHERE_REMOTE_URL"),
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Port == "" {
		cfg.Port = "8090"
	}
	if cfg.RemoteURL == "" {
		cfg.RemoteURL = "http://localhost:8080"
	}
	return cfg
}

func main() {
	cfg := loadConfig()
	logging.Info("Sphere desktop server starting", map[string]interface{}{
		"port":     cfg.Port,
		"data_dir": cfg.DataDir,
	})

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer db.Close()

	if err := store.NewMigrator(db).Up(); err != nil {
		log.Fatalf("Failed to migrate local store: %v", err)
	}

	st := store.NewStore(db)
	defer st.Close()

	// The engine starts offline; the UI shell reports the real connectivity
	// state through POST /api/connectivity.
	conn := syncx.NewConnectivity(false)
	syncCfg := syncx.DefaultSyncConfig()

	client := &http.Client{Timeout: 15 * time.Second}
	remotes := &queue.Remotes{
		Threads:       newRestRemote(client, cfg.RemoteURL, "threads"),
		Messages:      newRestRemote(client, cfg.RemoteURL, "messages"),
		QuickCaptures: newRestRemote(client, cfg.RemoteURL, "quick-captures"),
	}

	q := queue.New(st, remotes, conn, syncCfg.QueueConfig())
	resolver := conflict.New(st)
	coordinator := syncx.NewCoordinator(st, q, resolver, conn, syncCfg)
	coordinator.Start()
	defer coordinator.Close()

	hub := NewWSHub(cfg.Port)
	detach := coordinator.OnEvent(func(n syncx.Notification) {
		hub.Broadcast(n.Type, n.Data)
	})
	defer detach()

	router := mux.NewRouter()
	handlers.NewSyncHandler(coordinator).Register(router)
	router.HandleFunc("/ws", HandleWebSocket(hub))

	log.Fatal(http.ListenAndServe(":"+cfg.Port, router))
}
