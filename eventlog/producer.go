// Package eventlog emits a flat, append-only JSON-lines stream of domain
// events (piece verification, peer connect/disconnect, torrent lifecycle
// transitions). It is a side channel for observability, not a dependency
// any component relies on for correctness.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/monzo-labs/torrentcore/core"
)

// Kind tags the variant of an Event, modeled as a closed set rather than a
// type hierarchy: a listener dispatches by switching on Kind, never by
// reflecting on concrete event types.
type Kind string

// Recognized event kinds.
const (
	PieceVerified     Kind = "PIECE_VERIFIED"
	PeerConnected     Kind = "PEER_CONNECTED"
	PeerDisconnected  Kind = "PEER_DISCONNECTED"
	TorrentStarted    Kind = "TORRENT_STARTED"
	TorrentStopped    Kind = "TORRENT_STOPPED"
	DownloadComplete  Kind = "DOWNLOAD_COMPLETE"
	AssignmentFailed  Kind = "ASSIGNMENT_FAILED"
	DescriptorStalled Kind = "DESCRIPTOR_STALLED"
)

// Event is a single, immutable domain occurrence. Unused fields are left
// zero-valued; Kind determines which fields are meaningful.
type Event struct {
	Kind       Kind          `json:"kind"`
	InfoHash   core.InfoHash `json:"info_hash"`
	PeerID     core.PeerID   `json:"peer_id,omitempty"`
	PieceIndex int           `json:"piece_index,omitempty"`
	TimeUnixMs int64         `json:"time_unix_ms"`
}

// Config configures a Producer.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

func (c *Config) applyDefaults() {
	// No non-zero defaults: an unconfigured producer stays disabled.
}

// Producer emits Events to a backing log.
type Producer interface {
	Produce(e Event)
	Close() error
}

type producer struct {
	file *os.File
	log  *zap.SugaredLogger
}

// NewProducer creates a Producer per config. A disabled config returns a
// Producer whose Produce calls are no-ops.
func NewProducer(config Config, log *zap.SugaredLogger) (Producer, error) {
	config.applyDefaults()

	var f *os.File
	if config.Enabled {
		if config.LogPath == "" {
			return nil, errors.New("eventlog: enabled but no log path supplied")
		}
		flag := os.O_WRONLY | os.O_CREATE | os.O_APPEND
		var err error
		f, err = os.OpenFile(config.LogPath, flag, 0644)
		if err != nil {
			return nil, fmt.Errorf("eventlog: open %s: %s", config.LogPath, err)
		}
	}
	return &producer{file: f, log: log}, nil
}

// NewNopProducer returns a Producer that discards every event, for tests
// and components that don't care about the event stream.
func NewNopProducer() Producer {
	return &producer{}
}

func (p *producer) Produce(e Event) {
	if p.file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		if p.log != nil {
			p.log.Errorf("eventlog: marshal event: %s", err)
		}
		return
	}
	line := append(b, '\n')
	if _, err := p.file.Write(line); err != nil {
		if p.log != nil {
			p.log.Errorf("eventlog: write event: %s", err)
		}
	}
}

func (p *producer) Close() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}
