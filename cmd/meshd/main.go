// meshd runs one delegation-mesh node: the wire protocol server, the
// membership and gossip timers, and the delegation pipeline, configured
// from a YAML file with MESH_* environment overrides.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/agentmesh/mesh/internal/config"
	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/mesh"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	seeds := flag.String("seeds", "", "comma-separated seed peer base URLs")
	observe := flag.Bool("observe", false, "follow the Redis event channel instead of running a node")
	flag.Parse()

	// Local development convenience; absent .env is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("[MESHD] config: %v", err)
	}
	applyEnv(cfg)

	if *observe {
		if err := runObserver(cfg); err != nil {
			log.Fatalf("[MESHD] observer: %v", err)
		}
		return
	}

	if err := run(cfg, *seeds); err != nil {
		log.Fatalf("[MESHD] %v", err)
	}
}

func run(cfg *config.MeshConfig, seeds string) error {
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	manager, err := mesh.NewManager(cfg, mesh.EchoKernel{}, signingKey)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return err
	}

	if cfg.Events.RedisAddr != "" {
		if err := mirrorToRedis(ctx, cfg, manager); err != nil {
			log.Printf("[MESHD] redis mirror disabled: %v", err)
		}
	}

	for _, seed := range splitList(seeds) {
		if err := manager.Bootstrap(ctx, seed); err != nil {
			log.Printf("[MESHD] bootstrap via %s failed: %v", seed, err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("[MESHD] shutting down")
	manager.Stop()
	return nil
}

// mirrorToRedis bridges the node's event bus onto the shared Redis
// channel for mesh-wide observers.
func mirrorToRedis(ctx context.Context, cfg *config.MeshConfig, manager *mesh.Manager) error {
	rb, err := events.NewRedisBus(cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisDB, cfg.Events.ChannelPrefix)
	if err != nil {
		return err
	}

	sub := manager.Events().Subscribe()
	go func() {
		defer rb.Close()
		for {
			select {
			case <-ctx.Done():
				manager.Events().Unsubscribe(sub)
				return
			case event, ok := <-sub:
				if !ok {
					return
				}
				rb.Mirror(event)
			}
		}
	}()
	return nil
}

// runObserver tails the mesh-wide Redis channel and prints every event.
func runObserver(cfg *config.MeshConfig) error {
	if cfg.Events.RedisAddr == "" {
		return fmt.Errorf("observer mode requires events.redis_addr")
	}
	rb, err := events.NewRedisBus(cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisDB, cfg.Events.ChannelPrefix)
	if err != nil {
		return err
	}
	defer rb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rb.Follow(ctx); err != nil {
		return err
	}

	sub := rb.Subscribe()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case <-stop:
			return nil
		case event := <-sub:
			log.Printf("[EVENT] %s source=%s subject=%s", event.Type, event.Source, event.Subject)
		}
	}
}

func loadConfig(path string) (*config.MeshConfig, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// applyEnv overlays MESH_* environment variables on the config. The
// core only ever sees the struct.
func applyEnv(cfg *config.MeshConfig) {
	if v := os.Getenv("MESH_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("MESH_NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("MESH_PORT"); v != "" {
		cfg.Node.Port = v
	}
	if v := os.Getenv("MESH_BASE_URL"); v != "" {
		cfg.Node.BaseURL = v
	}
	if v := os.Getenv("MESH_SHARED_SECRET"); v != "" {
		cfg.Auth.SharedSecret = v
	}
	if v := os.Getenv("MESH_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("MESH_CAPABILITIES"); v != "" {
		cfg.Node.Capabilities = splitList(v)
	}
	if v := os.Getenv("MESH_REDIS_ADDR"); v != "" {
		cfg.Events.RedisAddr = v
	}
	if v := os.Getenv("MESH_ESCROW_BALANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Escrow.InitialBalance = f
		}
	}
	if v := os.Getenv("MESH_GOSSIP_ENABLED"); v != "" {
		cfg.Gossip.Enabled = v == "true" || v == "1"
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
