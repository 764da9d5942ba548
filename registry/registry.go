// Package registry implements the torrent registry and lifecycle: it maps
// torrent-id to descriptor with concurrent create-if-absent semantics, and
// owns the active-and-supported predicate other components consult before
// accepting work for a torrent.
package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/eventlog"
)

// ErrDataAlreadyAttached is the fatal-misuse error for attaching a second
// data descriptor to an already-attached Descriptor.
var ErrDataAlreadyAttached = errors.New("registry: data descriptor already attached")

// DataCloser is the subset of storage.Torrent the registry needs to tear
// one down on unregister.
type DataCloser interface {
	Close() error
}

// Descriptor is the per-torrent lifecycle record. It is created the moment
// a torrent id is registered, before metadata (and therefore storage) is
// necessarily available.
type Descriptor struct {
	InfoHash core.InfoHash

	mu     sync.Mutex
	active bool
	data   DataCloser
}

func newDescriptor(h core.InfoHash) *Descriptor {
	return &Descriptor{InfoHash: h}
}

// Active reports whether the torrent is actively downloading/seeding.
func (d *Descriptor) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// SetActive updates the descriptor's active flag.
func (d *Descriptor) SetActive(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = active
}

// AttachData installs data as this descriptor's DataDescriptor handle.
// Re-attaching once a data descriptor is already present is a fatal
// misuse and panics rather than returning an error.
func (d *Descriptor) AttachData(data DataCloser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.data != nil {
		panic(ErrDataAlreadyAttached)
	}
	d.data = data
}

// Data returns the attached data descriptor, if any.
func (d *Descriptor) Data() (DataCloser, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data, d.data != nil
}

func (d *Descriptor) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.data == nil {
		return nil
	}
	return d.data.Close()
}

// Registry maps torrent-id to Descriptor with create-if-absent semantics.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[core.InfoHash]*Descriptor

	log    *zap.SugaredLogger
	events eventlog.Producer
}

// New creates an empty Registry.
func New(log *zap.SugaredLogger, events eventlog.Producer) *Registry {
	if events == nil {
		events = eventlog.NewNopProducer()
	}
	return &Registry{
		descriptors: make(map[core.InfoHash]*Descriptor),
		log:         log,
		events:      events,
	}
}

// GetOrCreate returns the Descriptor for h, creating and registering one if
// absent. Calling this twice for the same id always returns the same
// Descriptor.
func (r *Registry) GetOrCreate(h core.InfoHash) *Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.descriptors[h]; ok {
		return d
	}
	d := newDescriptor(h)
	r.descriptors[h] = d
	return d
}

// Get looks up the Descriptor for h without creating one.
func (r *Registry) Get(h core.InfoHash) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[h]
	return d, ok
}

// ActiveAndSupported reports whether h is registered and either no data
// descriptor has been attached yet (metadata is still being fetched) or
// the descriptor reports active.
func (r *Registry) ActiveAndSupported(h core.InfoHash) bool {
	d, ok := r.Get(h)
	if !ok {
		return false
	}
	if _, hasData := d.Data(); !hasData {
		return true
	}
	return d.Active()
}

// Unregister removes h's Descriptor and closes its data descriptor, if
// attached. Close errors are logged and swallowed -- the torrent is gone
// from the registry regardless. Calling Unregister twice for the same id
// is a no-op the second time.
func (r *Registry) Unregister(h core.InfoHash) {
	r.mu.Lock()
	d, ok := r.descriptors[h]
	delete(r.descriptors, h)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := d.close(); err != nil {
		r.log.Errorw("error closing data descriptor on unregister",
			"info_hash", h, "error", err)
	}
	r.events.Produce(eventlog.Event{
		Kind:       eventlog.TorrentStopped,
		InfoHash:   h,
		TimeUnixMs: time.Now().UnixMilli(),
	})
}

// Len returns the number of currently registered torrents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}
