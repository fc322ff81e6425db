package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"

	"drifthub/internal/auth"
	"drifthub/internal/config"
	"drifthub/internal/controlapi"
	"drifthub/internal/dispatch"
	"drifthub/internal/gateway"
	"drifthub/internal/sessions"
	"drifthub/internal/uploader"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	registry := sessions.NewRegistry()
	monitor := sessions.NewMonitor(registry, cfg.Heartbeat.Interval(), cfg.Heartbeat.Timeout())
	router := dispatch.NewRouter(registry, dispatch.Config{
		RtmpHost:   cfg.Media.RtmpHost,
		RtmpPort:   cfg.Media.RtmpPort,
		UploadHost: cfg.Upload.Host,
	})
	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Enabled)
	if !cfg.Auth.Enabled {
		log.Println("WARNING: device authentication is DISABLED, all connections will be accepted")
	}

	// Device gateway (WebSocket).
	hz := server.Default(server.WithHostPorts(cfg.Server.GatewayAddr))
	wsHandler := gateway.NewHandler(registry, router, verifier,
		cfg.Heartbeat.Timeout()+cfg.Heartbeat.Interval())
	gateway.RegisterRoutes(hz, wsHandler)

	// Cloud control API (HTTP).
	api := controlapi.NewServer(registry, router, uploader.NewClient(15*time.Second))

	monitor.Start(context.Background())

	go func() {
		log.Printf("device gateway listening on %s", cfg.Server.GatewayAddr)
		hz.Spin()
	}()
	go func() {
		log.Printf("control API listening on %s", cfg.Server.ControlAddr)
		if err := api.Start(cfg.Server.ControlAddr); err != nil {
			log.Printf("control API stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := hz.Shutdown(ctx); err != nil {
		log.Printf("gateway shutdown failed: %v", err)
	}
	if err := api.Shutdown(ctx); err != nil {
		log.Printf("control API shutdown failed: %v", err)
	}
	monitor.Stop()
	registry.DisconnectAll(ctx, sessions.CloseNormal, "server shutting down")

	log.Println("Server stopped")
}
