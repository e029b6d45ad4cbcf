// Package config holds typed configuration for the session, the authority
// server, the headless client and the session directory. Defaults live in
// envDefault tags and can be overridden with GRABSYNC_* environment
// variables; binaries apply command-line flags on top.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Replication tunes one participant's view of the shared objects.
type Replication struct {
	HistoryCapacity      int           `env:"HISTORY_CAPACITY" envDefault:"32"`
	InterpolationDelay   time.Duration `env:"INTERPOLATION_DELAY" envDefault:"100ms"`
	ExtrapolationHorizon time.Duration `env:"EXTRAPOLATION_HORIZON" envDefault:"250ms"`
	GrabTimeout          time.Duration `env:"GRAB_TIMEOUT" envDefault:"2s"`
	ReleaseTimeout       time.Duration `env:"RELEASE_TIMEOUT" envDefault:"2s"`

	// Positions are quantized over [-PositionRange, PositionRange] with
	// PositionBits per axis when QuantizePositions is set.
	QuantizePositions bool    `env:"QUANTIZE_POSITIONS" envDefault:"true"`
	PositionRange     float64 `env:"POSITION_RANGE" envDefault:"512"`
	PositionBits      uint    `env:"POSITION_BITS" envDefault:"20"`

	RestSpeed     float64 `env:"REST_SPEED" envDefault:"0.01"` // below this an object counts as settled
	RestTicks     int     `env:"REST_TICKS" envDefault:"10"`
	MaxPacketSize int     `env:"MAX_PACKET_SIZE" envDefault:"1200"`

	// A sender silent for ClockIdle has its clock offset dropped.
	ClockIdle time.Duration `env:"CLOCK_IDLE" envDefault:"30s"`
}

type Server struct {
	Port            uint   `env:"PORT" envDefault:"7373"`
	UDPPort         uint   `env:"UDP_PORT" envDefault:"7374"`
	TickRate        int    `env:"TICK_RATE" envDefault:"30"`
	Name            string `env:"NAME" envDefault:"Grabsync Session"`
	Version         string `env:"VERSION"` // required client version, empty accepts any
	MaxParticipants int    `env:"MAX_PARTICIPANTS" envDefault:"16"`
	ScenePath       string `env:"SCENE"`
	MasterURL       string `env:"MASTER_URL"`
	Address         string `env:"ADDRESS"` // public address advertised to the directory
	Region          string `env:"REGION" envDefault:"local"`

	Replication Replication `envPrefix:"REPLICATION_"`
}

type Client struct {
	ServerAddress string        `env:"SERVER" envDefault:"localhost:7373"`
	DisplayName   string        `env:"NAME"`
	Version       string        `env:"VERSION"`
	TickRate      int           `env:"TICK_RATE" envDefault:"60"`
	HoldFor       time.Duration `env:"HOLD_FOR" envDefault:"5s"`

	Replication Replication `envPrefix:"REPLICATION_"`
}

type Master struct {
	Port int           `env:"PORT" envDefault:"8080"`
	TTL  time.Duration `env:"TTL" envDefault:"90s"`
}

const envPrefix = "GRABSYNC_"

func load[T any](prefix string) (T, error) {
	cfg, err := env.ParseAsWithOptions[T](env.Options{Prefix: envPrefix + prefix})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func LoadServer() (Server, error) { return load[Server]("SERVER_") }
func LoadClient() (Client, error) { return load[Client]("CLIENT_") }
func LoadMaster() (Master, error) { return load[Master]("MASTER_") }

// DefaultReplication returns the built-in replication settings, ignoring the
// environment.
func DefaultReplication() Replication {
	cfg, err := env.ParseAsWithOptions[Replication](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic(fmt.Sprintf("config: invalid replication defaults: %v", err))
	}
	return cfg
}

// Validate rejects settings the codecs and buffers cannot work with.
func (r Replication) Validate() error {
	switch {
	case r.HistoryCapacity < 2:
		return fmt.Errorf("history capacity %d: need at least 2", r.HistoryCapacity)
	case r.PositionBits == 0 || r.PositionBits > 32:
		return fmt.Errorf("position bits %d: must be 1-32", r.PositionBits)
	case r.PositionRange <= 0:
		return fmt.Errorf("position range %v: must be positive", r.PositionRange)
	case r.MaxPacketSize < 64:
		return fmt.Errorf("max packet size %d: too small", r.MaxPacketSize)
	case r.GrabTimeout <= 0 || r.ReleaseTimeout <= 0 || r.ClockIdle <= 0:
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
