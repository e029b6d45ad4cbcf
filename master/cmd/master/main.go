package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/automoto/grabsync/config"
	"github.com/automoto/grabsync/master"
)

func main() {
	cfg, err := config.LoadMaster()
	if err != nil {
		log.Fatalf("[master] %v", err)
	}
	port := flag.Int("port", cfg.Port, "HTTP listen port")
	ttl := flag.Duration("ttl", cfg.TTL, "Session TTL before expiry")
	flag.Parse()

	reg := master.NewRegistry(*ttl)
	defer reg.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           master.NewHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("[master] starting on %s (TTL=%s)", srv.Addr, *ttl)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("[master] fatal: %v", err)
	}
}
