package stages

import (
	"time"

	"github.com/arclight/paperforge/internal/blobstore"
	"github.com/arclight/paperforge/internal/registry"
	"github.com/arclight/paperforge/internal/stage"
)

// RegisterAll wires the nine stand-in workers into reg in pipeline order,
// each with its stage's resource class and the same defaultTimeout. Callers needing
// production workers instead should build their own Entry values and call
// reg.Register directly; this helper exists to make the engine runnable
// standalone (SPEC_FULL.md §1).
func RegisterAll(reg *registry.Registry, store blobstore.Store, defaultTimeout time.Duration) error {
	decls := []struct {
		id        string
		worker    stage.Worker
		fallbacks []stage.Worker
		inputs    []string
		outputs   []string
		skippable bool
	}{
		{id: Ingest, worker: NewIngest(store), outputs: []string{"paper.parsed"}},
		{id: Understand, worker: NewUnderstand(store), inputs: []string{"paper.parsed"}, outputs: []string{"paper.understanding"}},
		{id: Script, worker: NewScript(store), inputs: []string{"paper.understanding"}, outputs: []string{"script"}},
		{id: Plan, worker: NewPlan(store), inputs: []string{"script"}, outputs: []string{"visual_plan"}},
		// Animate carries a degraded-quality fallback (registry index 1): a
		// primary render that fails the output contract falls back to it
		// rather than failing the job outright (SPEC_FULL.md §8 scenario S3).
		{id: Animate, worker: NewAnimate(store), fallbacks: []stage.Worker{NewAnimateFallback(store)}, inputs: []string{"visual_plan"}, outputs: []string{"scene.0.animation"}},
		{id: Voice, worker: NewVoice(store), inputs: []string{"script"}, outputs: []string{"scene.0.audio"}},
		{id: Compose, worker: NewCompose(store), inputs: []string{"scene.0.animation", "scene.0.audio"}, outputs: []string{"video.final"}},
		{id: Metadata, worker: NewMetadata(store), inputs: []string{"paper.understanding"}, outputs: []string{"metadata"}},
		// Publish is the one stage submit's publish=false option may skip
		// (SPEC_FULL.md §6); every other stage is load-bearing for the
		// artifacts downstream of it and is never declared skippable.
		{id: Publish, worker: NewPublish(store), inputs: []string{"video.final", "metadata"}, outputs: []string{"publish_receipt"}, skippable: true},
	}

	for _, d := range decls {
		err := reg.Register(registry.Entry{
			StageID:       d.id,
			Primary:       d.worker,
			Fallbacks:     d.fallbacks,
			Timeout:       defaultTimeout,
			ResourceClass: ResourceClasses[d.id],
			InputKeys:     d.inputs,
			OutputKeys:    d.outputs,
			Skippable:     d.skippable,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
