package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/automoto/grabsync/config"
	"github.com/automoto/grabsync/network"
	"github.com/automoto/grabsync/replication"
	"github.com/automoto/grabsync/shared/messages"
	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/pose"
)

// Driver is a headless participant: it grabs the first free object, carries
// it around a circle and puts it down again, then waits for the next one.
type Driver struct {
	session *replication.Session
	holdFor time.Duration
	target  netconfig.ObjectID
	held    bool
	since   time.Duration
	origin  mgl64.Vec3
}

const circleRadius = 0.5

func (d *Driver) Update(dt time.Duration) {
	d.session.Tick(dt)
	now := d.session.Now()

	if d.target == 0 {
		d.pickTarget(now)
		return
	}

	state, _, _ := d.session.Ownership(d.target)
	switch state {
	case netconfig.OwnedSelf:
		if !d.held {
			d.held = true
			d.since = now
			log.Printf("[client] holding object %d", d.target)
		}
		if now-d.since >= d.holdFor {
			if err := d.session.RequestRelease(d.target); err != nil {
				log.Printf("[client] release %d: %v", d.target, err)
			}
			return
		}
		d.carry(now - d.since)
	case netconfig.PendingSelf, netconfig.PendingRelease:
	default:
		if d.held {
			log.Printf("[client] object %d is %s", d.target, state)
		}
		d.target, d.held = 0, false
	}
}

func (d *Driver) pickTarget(now time.Duration) {
	for _, id := range d.session.Objects() {
		if state, _, _ := d.session.Ownership(id); state != netconfig.Free {
			continue
		}
		p, ok := d.session.QueryPose(id, d.session.RenderTime())
		if !ok {
			continue
		}
		if err := d.session.RequestGrab(id); err != nil {
			log.Printf("[client] grab %d: %v", id, err)
			continue
		}
		d.target = id
		d.origin = p.Position
		d.since = now
		log.Printf("[client] grabbing object %d", id)
		return
	}
}

// carry moves the held object on a horizontal circle around where it was
// picked up, settling it at the start point for the last second.
func (d *Driver) carry(held time.Duration) {
	if d.holdFor-held < time.Second {
		_ = d.session.CaptureLocal(d.target, pose.Snapshot{Position: d.origin, Rotation: mgl64.QuatIdent()})
		return
	}
	const omega = 2.0 // rad/s
	angle := omega * held.Seconds()
	offset := mgl64.Vec3{circleRadius * (math.Cos(angle) - 1), 0, circleRadius * math.Sin(angle)}
	_ = d.session.CaptureLocal(d.target, pose.Snapshot{
		Position:        d.origin.Add(offset),
		Rotation:        mgl64.QuatRotate(angle, mgl64.Vec3{0, 1, 0}),
		Velocity:        mgl64.Vec3{-circleRadius * omega * math.Sin(angle), 0, circleRadius * omega * math.Cos(angle)},
		AngularVelocity: mgl64.Vec3{0, omega, 0},
	})
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("[client] %v", err)
	}

	profiles, err := network.OpenProfileStore("grabsync")
	if err != nil {
		log.Printf("[client] warning: profile storage unavailable: %v", err)
	}
	profile := profiles.Load()
	if cfg.DisplayName == "" {
		cfg.DisplayName = profile.DisplayName
	}
	if profile.Server != cfg.ServerAddress {
		profile.ReconnectToken = ""
	}

	flag.StringVar(&cfg.ServerAddress, "server", cfg.ServerAddress, "Authority server address")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "Display name")
	flag.IntVar(&cfg.TickRate, "tickrate", cfg.TickRate, "Client tick rate")
	flag.DurationVar(&cfg.HoldFor, "hold", cfg.HoldFor, "How long to hold each object")
	flag.Parse()
	if cfg.TickRate <= 0 {
		cfg.TickRate = 60
	}

	client := network.NewClient(cfg.Replication, log.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.Connect(ctx, cfg.ServerAddress, messages.Hello{
		Version:        cfg.Version,
		DisplayName:    cfg.DisplayName,
		ReconnectToken: profile.ReconnectToken,
	})
	cancel()
	if err != nil {
		log.Fatalf("[client] %v", err)
	}
	defer client.Disconnect()

	_ = profiles.Save(network.Profile{
		DisplayName:    cfg.DisplayName,
		ReconnectToken: client.ReconnectToken(),
		Server:         cfg.ServerAddress,
	})

	driver := &Driver{session: client.Session(), holdFor: cfg.HoldFor}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	dt := time.Second / time.Duration(cfg.TickRate)
	ticker := time.NewTicker(dt)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			log.Println("[client] shutting down")
			return
		case <-ticker.C:
			if client.State() != network.StateJoined {
				log.Printf("[client] connection lost: %v", client.LastError())
				return
			}
			driver.Update(dt)
		}
	}
}
