package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/automoto/grabsync/master"
)

const heartbeatInterval = 30 * time.Second

// OccupancySource reports the live load a session advertises. It is read from
// the heartbeat goroutine.
type OccupancySource interface {
	Occupancy() master.Occupancy
}

// Registration keeps the session listed in the directory. Every sync either
// registers, when there is no entry yet or the directory lost it, or sends a
// heartbeat with the current occupancy.
type Registration struct {
	directory string
	info      master.SessionInfo
	source    OccupancySource
	client    *http.Client
	interval  time.Duration
	logger    *log.Logger

	mu        sync.Mutex
	sessionID string
}

func NewRegistration(directory string, info master.SessionInfo, source OccupancySource, logger *log.Logger) *Registration {
	if logger == nil {
		logger = log.Default()
	}
	info.ID = ""
	return &Registration{
		directory: directory,
		info:      info,
		source:    source,
		client:    &http.Client{Timeout: 5 * time.Second},
		interval:  heartbeatInterval,
		logger:    logger,
	}
}

// Run syncs straight away and then on every interval until ctx ends.
func (r *Registration) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Sync(ctx); err != nil && ctx.Err() == nil {
			r.logger.Printf("[registration] %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SessionID is the id assigned by the directory, empty until registered.
func (r *Registration) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Sync brings the directory entry up to date once.
func (r *Registration) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	occ := r.source.Occupancy()
	if r.sessionID == "" {
		return r.register(ctx, occ)
	}

	status, err := r.post(ctx, "/sessions/heartbeat", master.HeartbeatRequest{ID: r.sessionID, Occupancy: occ}, nil)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		r.logger.Printf("[registration] directory lost session %s, registering again", r.sessionID)
		r.sessionID = ""
		return r.register(ctx, occ)
	default:
		return fmt.Errorf("heartbeat: unexpected status %d", status)
	}
}

func (r *Registration) register(ctx context.Context, occ master.Occupancy) error {
	info := r.info
	info.Occupancy = occ

	var created master.SessionInfo
	status, err := r.post(ctx, "/sessions/register", info, &created)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if status != http.StatusCreated {
		return fmt.Errorf("register: unexpected status %d", status)
	}
	if created.ID == "" {
		return fmt.Errorf("register: directory returned no id")
	}
	r.sessionID = created.ID
	r.logger.Printf("[registration] registered %q with directory (id=%s)", info.Name, created.ID)
	return nil
}

// post sends v as JSON and decodes a successful reply into out when non-nil.
func (r *Registration) post(ctx context.Context, path string, v, out any) (int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.directory+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode: %w", err)
		}
	}
	return resp.StatusCode, nil
}
