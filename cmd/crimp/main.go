package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/ewancrowle/crimp/internal/api"
	"github.com/ewancrowle/crimp/internal/config"
	"github.com/ewancrowle/crimp/internal/relay"
	"github.com/ewancrowle/crimp/internal/rules"
	"github.com/ewancrowle/crimp/internal/session"
	"github.com/ewancrowle/crimp/internal/sync"
)

func main() {
	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", "err", err)
	}
	if cfg.Engine.Debug {
		log.SetLevel(log.DebugLevel)
	}

	// 2. Load the shared rule base and parser context
	set, err := rules.LoadSet(cfg.Engine.RulesPath)
	if err != nil {
		log.Fatal("Failed to load rules", "path", cfg.Engine.RulesPath, "err", err)
	}
	fieldCtx, err := rules.LoadContext(cfg.Engine.ContextPath)
	if err != nil {
		log.Fatal("Failed to load field context", "path", cfg.Engine.ContextPath, "err", err)
	}
	log.Info("Loaded rule base", "rules", len(set.Rules), "path", cfg.Engine.RulesPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Build the engine; wire Redis announcements in before first use
	var ruleSync *sync.RuleSync
	engine, err := session.New(set, session.Options{
		Debug:         cfg.Engine.Debug,
		Context:       fieldCtx,
		DynamicRules:  cfg.Dynamic.Enabled,
		DynamicIDMin:  cfg.Dynamic.IDMin,
		DynamicIDMax:  cfg.Dynamic.IDMax,
		DynamicIDBits: cfg.Dynamic.IDBits,
		OnDynamicRule: func(dcid, scid []byte, ruleID uint32) {
			if ruleSync != nil {
				if err := ruleSync.PublishPair(context.Background(), dcid, scid); err != nil {
					log.Warn("Failed to announce dynamic rule", "rule", ruleID, "err", err)
				}
			}
		},
	})
	if err != nil {
		log.Fatal("Failed to build engine", "err", err)
	}

	// 4. Redis fan-out of learned CID pairs
	ruleSync = sync.NewRuleSync(cfg, engine)
	if ruleSync != nil {
		if err := ruleSync.LoadInitialPairs(ctx); err != nil {
			log.Warn("Failed to load persisted CID pairs from Redis", "err", err)
		}
		go ruleSync.Subscribe(ctx)
	}

	// 5. UDP tunnel endpoint
	if cfg.Tunnel.Enabled {
		tunnel, err := relay.NewTunnel(cfg, engine)
		if err != nil {
			log.Fatal("Failed to initialize tunnel", "err", err)
		}
		go func() {
			if err := tunnel.Start(ctx); err != nil {
				log.Fatal("Tunnel error", "err", err)
			}
		}()
	}

	// 6. Introspection API
	server := api.NewServer(cfg, engine, ruleSync)
	go func() {
		log.Info("API server listening", "port", cfg.API.Port)
		if err := server.Start(); err != nil {
			log.Fatal("API server error", "err", err)
		}
	}()

	// Wait for interruption
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down crimp")
	engine.Stats().Report(log.Default())
	cancel()
}
