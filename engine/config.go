package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/monzo-labs/torrentcore/assignment"
	"github.com/monzo-labs/torrentcore/bandwidth"
	"github.com/monzo-labs/torrentcore/choke"
	"github.com/monzo-labs/torrentcore/pex"
	"github.com/monzo-labs/torrentcore/upload"
	"github.com/monzo-labs/torrentcore/wire"
)

// Config controls the engine's listener, connection pool and the default
// per-torrent sub-configs handed to assignment, choke, pex and upload as
// each torrent is added.
type Config struct {
	// ListenAddr is the address the accept loop binds, e.g. ":6881".
	ListenAddr string `yaml:"listen_addr"`

	// MaxConns bounds the number of simultaneous established connections
	// across all torrents; while all slots are taken, further incoming and
	// outgoing connection attempts are rejected.
	MaxConns int `yaml:"max_conns"`

	// HandshakeTimeout bounds how long the initial handshake exchange (in
	// either direction) may take before the connection is abandoned.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// MaxFrameLength bounds accepted wire frame lengths, per wire.Decode's
	// hostile-length-prefix guard.
	MaxFrameLength uint32 `yaml:"max_frame_length"`

	// RequestsPerTick is how many new pieces a connection may be assigned in
	// a single maybeRequestBlocks pass; every block of each assigned piece
	// is requested.
	RequestsPerTick int `yaml:"requests_per_tick"`

	// ExpireSweepInterval is how often a torrent's assignment manager is
	// swept for overdue assignments.
	ExpireSweepInterval time.Duration `yaml:"expire_sweep_interval"`

	// KeepAliveInterval is how often an idle connection emits the
	// zero-length keep-alive frame.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// AcceptorPort is the externally reachable TCP listen port advertised in
	// the extended handshake's p field. Zero omits the field; it need not
	// match ListenAddr when the engine sits behind a port mapping.
	AcceptorPort int `yaml:"acceptor_port"`

	// Encryption is the client's header-encryption stance, advertised via
	// the extended handshake's e flag.
	Encryption wire.EncryptionPolicy `yaml:"encryption_policy"`

	Assignment assignment.Config `yaml:"assignment"`
	Choke      choke.Config      `yaml:"choke"`
	Pex        pex.Config        `yaml:"pex"`
	Upload     upload.Config     `yaml:"upload"`
	Bandwidth  bandwidth.Config  `yaml:"bandwidth"`
}

// LoadConfig reads and parses a YAML-encoded Config from path, per the
// nested yaml-tagged Config convention shared by every sub-package config
// in this engine.
func LoadConfig(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("engine: read config %s: %s", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("engine: parse config %s: %s", path, err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":6881"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 200
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxFrameLength == 0 {
		c.MaxFrameLength = 1 << 20
	}
	if c.RequestsPerTick == 0 {
		c.RequestsPerTick = 10
	}
	if c.ExpireSweepInterval == 0 {
		c.ExpireSweepInterval = 5 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 2 * time.Minute
	}
	if c.Pex.CleanupInterval == 0 {
		c.Pex.CleanupInterval = 37 * time.Second
	}
}

// validate fails fast on configurations no amount of defaulting can rescue,
// so a misconfigured engine dies at startup with one descriptive error
// rather than misbehaving quietly at runtime.
func (c Config) validate() error {
	if c.MaxConns < 0 {
		return fmt.Errorf("engine: max_conns must be non-negative, got %d", c.MaxConns)
	}
	if c.Pex.MinMessageInterval > c.Pex.MaxMessageInterval && c.Pex.MaxMessageInterval != 0 {
		return fmt.Errorf("engine: pex min_message_interval %s exceeds max_message_interval %s",
			c.Pex.MinMessageInterval, c.Pex.MaxMessageInterval)
	}
	if c.Pex.MinEventsPerMessage > c.Pex.MaxEventsPerMessage && c.Pex.MaxEventsPerMessage != 0 {
		return fmt.Errorf("engine: pex min_events_per_message %d exceeds max_events_per_message %d",
			c.Pex.MinEventsPerMessage, c.Pex.MaxEventsPerMessage)
	}
	if c.Assignment.MaxActivePerPeer < 0 {
		return fmt.Errorf("engine: assignment max_active_per_peer must be non-negative, got %d",
			c.Assignment.MaxActivePerPeer)
	}
	return nil
}
