package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/automoto/grabsync/config"
	"github.com/automoto/grabsync/server/core"
	"github.com/automoto/grabsync/shared/scene"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	flag.UintVar(&cfg.Port, "port", cfg.Port, "Websocket port")
	flag.UintVar(&cfg.UDPPort, "udp-port", cfg.UDPPort, "UDP port for unreliable updates")
	flag.IntVar(&cfg.TickRate, "tickrate", cfg.TickRate, "Server tick rate (updates per second)")
	flag.StringVar(&cfg.Name, "name", cfg.Name, "Session display name")
	flag.StringVar(&cfg.Version, "version", cfg.Version, "Required client version (empty = accept any)")
	flag.StringVar(&cfg.ScenePath, "scene", cfg.ScenePath, "Tiled map with a Replicated object layer")
	flag.StringVar(&cfg.MasterURL, "master", cfg.MasterURL, "Session directory URL (empty = don't register)")
	flag.Parse()

	if cfg.ScenePath == "" {
		log.Fatal("[server] -scene is required")
	}
	objects, err := scene.Load(os.DirFS(filepath.Dir(cfg.ScenePath)), filepath.Base(cfg.ScenePath))
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	server, err := core.NewServer(cfg, objects, log.Default())
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[server] shutting down")
		server.Stop()
	}()

	log.Printf("[server] starting %q on port %d, udp %d (tick rate: %d/s, %d objects)",
		cfg.Name, cfg.Port, cfg.UDPPort, cfg.TickRate, len(objects))
	if err := server.Start(); err != nil {
		log.Fatalf("[server] %v", err)
	}
}
