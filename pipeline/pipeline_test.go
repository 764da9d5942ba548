package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/internal/log"
)

func TestPipelineRunsStagesInOrder(t *testing.T) {
	require := require.New(t)

	var visited []Stage
	p := New(core.InfoHashFixture(), log.NewNop())
	p.StartAt(ChooseFiles)

	p.RegisterStage(ChooseFiles, func(ctx *Context) Stage {
		visited = append(visited, ChooseFiles)
		return Download
	})
	p.RegisterStage(Download, func(ctx *Context) Stage {
		visited = append(visited, Download)
		return Seed
	})
	p.RegisterStage(Seed, func(ctx *Context) Stage {
		visited = append(visited, Seed)
		return Stop
	})

	p.Run(NewContext(core.InfoHashFixture()))

	require.Equal([]Stage{ChooseFiles, Download, Seed}, visited)
	require.True(p.Done())
}

// Stop-when-downloaded: a two-piece torrent
// completing DOWNLOAD should transition to STOP, not SEED, because a
// registered listener overrides the would-be-next stage -- and the
// storage flush side effect runs exactly once before termination.
func TestPipelineStopWhenDownloaded(t *testing.T) {
	require := require.New(t)

	flushes := 0
	p := New(core.InfoHashFixture(), log.NewNop())
	p.StartAt(Download)

	p.RegisterStage(Download, func(ctx *Context) Stage {
		// Both pieces verified; the natural next stage is Seed.
		return Seed
	})

	// "Stop when downloaded" is implemented by splicing a listener onto
	// DownloadComplete that flushes storage once and always returns Stop.
	p.RegisterListener(DownloadComplete, func(ctx *Context, next Stage) Stage {
		flushes++
		return Stop
	})

	next := p.Advance(NewContext(core.InfoHashFixture()))

	require.Equal(Stop, next)
	require.True(p.Done())
	require.Equal(1, flushes)

	// Advancing again after Stop must not re-invoke the listener.
	p.Advance(NewContext(core.InfoHashFixture()))
	require.Equal(1, flushes)
}

func TestPipelineListenersRunInRegistrationOrderAndSeeEachOthersOverride(t *testing.T) {
	require := require.New(t)

	var seen []Stage
	p := New(core.InfoHashFixture(), log.NewNop())
	p.StartAt(ChooseFiles)

	p.RegisterStage(ChooseFiles, func(ctx *Context) Stage { return Download })

	p.RegisterListener(FilesChosen, func(ctx *Context, next Stage) Stage {
		seen = append(seen, next)
		return Seed // override: skip straight to Seed
	})
	p.RegisterListener(FilesChosen, func(ctx *Context, next Stage) Stage {
		seen = append(seen, next) // should observe the first listener's override
		return next
	})

	next := p.Advance(NewContext(core.InfoHashFixture()))

	require.Equal(Seed, next)
	require.Equal([]Stage{Download, Seed}, seen)
}

func TestPipelineMissingStageFuncStops(t *testing.T) {
	require := require.New(t)

	p := New(core.InfoHashFixture(), log.NewNop())
	p.StartAt(Seed)

	next := p.Advance(NewContext(core.InfoHashFixture()))
	require.Equal(Stop, next)
}

func TestContextValuesBag(t *testing.T) {
	require := require.New(t)

	ctx := NewContext(core.InfoHashFixture())
	ctx.Values["chosen_files"] = []int{0, 2}

	chosen, ok := ctx.Values["chosen_files"].([]int)
	require.True(ok)
	require.Equal([]int{0, 2}, chosen)
}
