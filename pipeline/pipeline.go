// Package pipeline implements the processing pipeline: the per-torrent
// stage machine that owns which component is active for a torrent and
// dispatches domain events to registered listeners.
//
// Stages are composable function values: listeners are modeled as
// (*Context, Stage) -> Stage and compose in registration order, with a
// well-defined short-circuit once one of them returns Stop.
package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/monzo-labs/torrentcore/core"
)

// Stage identifies one stage of the pipeline. Stop is terminal: no
// StageFunc is ever registered for it, and Advance is a no-op once the
// pipeline reaches it.
type Stage int

const (
	FetchMetadata Stage = iota
	ChooseFiles
	Download
	Seed
	Stop
)

func (s Stage) String() string {
	switch s {
	case FetchMetadata:
		return "FETCH_METADATA"
	case ChooseFiles:
		return "CHOOSE_FILES"
	case Download:
		return "DOWNLOAD"
	case Seed:
		return "SEED"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Event identifies a domain event fired on completion of a stage, before
// the pipeline commits to the next stage. Listeners registered against an
// Event may override the stage the pipeline is about to transition to.
type Event int

const (
	// TorrentFetched fires when FETCH_METADATA completes.
	TorrentFetched Event = iota
	// FilesChosen fires when CHOOSE_FILES completes.
	FilesChosen
	// DownloadComplete fires when DOWNLOAD completes.
	DownloadComplete
)

// eventForStage maps the stage a transition is leaving to the event fired
// for that transition.
var eventForStage = map[Stage]Event{
	FetchMetadata: TorrentFetched,
	ChooseFiles:   FilesChosen,
	Download:      DownloadComplete,
}

// Context carries the per-torrent state a StageFunc and its Listeners
// operate on. It deliberately holds no behavior of its own -- every stage
// transition and side effect lives in a StageFunc or Listener supplied by
// the caller wiring a torrent's pipeline together.
type Context struct {
	InfoHash core.InfoHash

	// Values is an open bag for whatever a stage needs to pass forward
	// (chosen file indices, the attached storage.Torrent, etc.) without
	// pipeline itself knowing about any other package's types.
	Values map[string]interface{}
}

// NewContext creates an empty Context for h.
func NewContext(h core.InfoHash) *Context {
	return &Context{InfoHash: h, Values: make(map[string]interface{})}
}

// StageFunc runs one stage to completion and reports the stage that should
// run next, absent any listener override.
type StageFunc func(ctx *Context) Stage

// Listener observes a completed stage's would-be next stage and returns
// the actual next stage. Returning Stop terminates the pipeline -- this is
// how a caller implements a "stop when downloaded" option by splicing a
// listener onto DownloadComplete that always returns Stop instead of Seed.
type Listener func(ctx *Context, next Stage) Stage

// Pipeline is the stage machine for one torrent. Advance, StartAt, Current
// and Done are safe to call from any goroutine; stage and listener
// registration is expected to finish before the pipeline starts advancing.
type Pipeline struct {
	log *zap.SugaredLogger

	stages    map[Stage]StageFunc
	listeners map[Event][]Listener

	mu      sync.Mutex
	current Stage
}

// New creates a Pipeline starting at FetchMetadata (the start stage for a
// magnet-derived torrent; callers that already have metadata register no
// FetchMetadata StageFunc, which simply short-circuits to Stop described
// below, and instead call StartAt(ChooseFiles)).
func New(h core.InfoHash, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		log:       log,
		stages:    make(map[Stage]StageFunc),
		listeners: make(map[Event][]Listener),
		current:   FetchMetadata,
	}
}

// StartAt overrides the pipeline's starting stage, e.g. ChooseFiles for a
// torrent whose metadata was already available (a .torrent file rather
// than a magnet link).
func (p *Pipeline) StartAt(s Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = s
}

// RegisterStage installs fn as the StageFunc for s.
func (p *Pipeline) RegisterStage(s Stage, fn StageFunc) {
	p.stages[s] = fn
}

// RegisterListener appends l to the listeners invoked when ev fires.
// Listeners run in registration order; each receives the previous
// listener's return value as next, so an earlier listener's override is
// visible to later ones.
func (p *Pipeline) RegisterListener(ev Event, l Listener) {
	p.listeners[ev] = append(p.listeners[ev], l)
}

// Current returns the pipeline's current stage.
func (p *Pipeline) Current() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Done reports whether the pipeline has reached Stop.
func (p *Pipeline) Done() bool {
	return p.Current() == Stop
}

// Advance runs the current stage's StageFunc, fires the associated Event
// (if any) through every registered Listener in order, and commits to the
// resulting stage. It is a no-op once the pipeline has reached Stop, or if
// the current stage has no registered StageFunc (treated as "nothing left
// to do here", transitioning straight to Stop).
func (p *Pipeline) Advance(ctx *Context) Stage {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == Stop {
		return Stop
	}

	fn, ok := p.stages[p.current]
	if !ok {
		p.log.Debugw("no stage function registered, stopping", "stage", p.current)
		p.current = Stop
		return Stop
	}

	next := fn(ctx)

	if ev, hasEvent := eventForStage[p.current]; hasEvent {
		for _, l := range p.listeners[ev] {
			next = l(ctx, next)
		}
	}

	p.log.Debugw("pipeline transition", "info_hash", ctx.InfoHash, "from", p.current, "to", next)
	p.current = next
	return next
}

// Run drives Advance until the pipeline reaches Stop.
func (p *Pipeline) Run(ctx *Context) {
	for !p.Done() {
		p.Advance(ctx)
	}
}
