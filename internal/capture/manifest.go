package capture

import (
	"time"

	"github.com/banshee-data/gridcapture/internal/catalog"
	"github.com/banshee-data/gridcapture/internal/coverage"
	"github.com/banshee-data/gridcapture/internal/dataset"
)

func (e *Engine) startManifest(at time.Time) {
	if e.deps.Manifest == nil {
		return
	}
	_, err := e.deps.Manifest.StartRun(catalog.Run{
		ID:      e.runID,
		RunDir:  e.opts.RunDir,
		Scene:   e.opts.Scene,
		Started: at,
	})
	e.warnManifest("start run", err)
}

func (e *Engine) manifestPlan(plan *coverage.Plan) {
	if e.deps.Manifest == nil {
		return
	}
	e.warnManifest("record plan", e.deps.Manifest.SetPlan(e.runID, plan.Len(), len(plan.Rejected())))
}

func (e *Engine) recordArtifact(a dataset.Artifact) {
	e.warnManifest("record artifact", e.deps.Manifest.AddArtifact(e.runID, a, e.now()))
}

func (e *Engine) finishManifest(s Summary) {
	if e.deps.Manifest == nil {
		return
	}
	e.warnManifest("finish run", e.deps.Manifest.FinishRun(e.runID, string(s.Outcome), s.Err, s.Finished))
}

func (e *Engine) warnManifest(what string, err error) {
	if err != nil {
		e.log.WithError(err).Warnf("manifest: %s", what)
	}
}
