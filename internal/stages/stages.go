// Package stages provides minimal in-memory stand-ins for the nine
// specialist workers the orchestration engine drives: ingest, understand,
// script, plan, animate, voice, compose, metadata, publish. They honor the
// Stage Contract (internal/stage) and are sufficient to exercise the engine
// end-to-end in tests; they are not the product (SPEC_FULL.md §1).
package stages

import (
	"context"
	"fmt"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/blobstore"
	"github.com/arclight/paperforge/internal/stage"
)

const (
	Ingest     = "ingest"
	Understand = "understand"
	Script     = "script"
	Plan       = "plan"
	Animate    = "animate"
	Voice      = "voice"
	Compose    = "compose"
	Metadata   = "metadata"
	Publish    = "publish"
)

// ResourceClasses maps each stage to the resource pool it draws from, used
// to wire Stage Registry entries and Scheduler caps consistently.
var ResourceClasses = map[string]string{
	Ingest:     "network",
	Understand: "llm",
	Script:     "llm",
	Plan:       "llm",
	Animate:    "render",
	Voice:      "tts",
	Compose:    "render",
	Metadata:   "llm",
	Publish:    "network",
}

// blobWorker is the shared shape behind every stand-in: it reads named
// input artifacts from the blob store, produces a deterministic
// placeholder payload, and writes named output artifacts back.
type blobWorker struct {
	store      blobstore.Store
	stageID    string
	inputKeys  []string
	outputKeys []string
	transform  func(inputs map[string][]byte) (map[string][]byte, *apperrors.StageErr)
}

func (w *blobWorker) Run(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
	inputs := map[string][]byte{}
	for _, k := range w.inputKeys {
		ref, ok := in.InputArtifacts[k]
		if !ok {
			return stage.Output{}, apperrors.ContractViolation(w.stageID, fmt.Sprintf("missing required input artifact %q", k))
		}
		data, err := w.store.Get(ctx, ref)
		if err != nil {
			return stage.Output{}, apperrors.WrapStageErr(apperrors.KindTransient, "failed to read input artifact "+k, true, err)
		}
		inputs[k] = data
	}

	outputs, serr := w.transform(inputs)
	if serr != nil {
		return stage.Output{}, serr
	}

	out := stage.Output{OutputArtifacts: map[string]string{}}
	for _, k := range w.outputKeys {
		data, ok := outputs[k]
		if !ok {
			return stage.Output{}, apperrors.ContractViolation(w.stageID, fmt.Sprintf("transform did not produce declared output %q", k))
		}
		ref, err := w.store.Put(ctx, k, data)
		if err != nil {
			return stage.Output{}, apperrors.WrapStageErr(apperrors.KindTransient, "failed to write output artifact "+k, true, err)
		}
		out.OutputArtifacts[k] = ref
	}
	out.Cost = stage.Cost{ResourceClass: ResourceClasses[w.stageID]}
	return out, nil
}

// NewIngest fetches the paper (title/arXiv/PDF) and produces raw source
// bytes. The stand-in writes a fixed placeholder payload regardless of the
// job's input.
func NewIngest(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Ingest,
		outputKeys: []string{"paper.parsed"},
		transform: func(map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			return map[string][]byte{"paper.parsed": []byte("stand-in ingested source")}, nil
		},
	}
}

// NewUnderstand parses source_bytes into a structured understanding of the
// paper (sections, claims, figures).
func NewUnderstand(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Understand,
		inputKeys:  []string{"paper.parsed"},
		outputKeys: []string{"paper.understanding"},
		transform: func(in map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			return map[string][]byte{"paper.understanding": append([]byte("understood: "), in["paper.parsed"]...)}, nil
		},
	}
}

// NewScript drafts the narration script from the paper's understanding.
func NewScript(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Script,
		inputKeys:  []string{"paper.understanding"},
		outputKeys: []string{"script"},
		transform: func(in map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			return map[string][]byte{"script": append([]byte("script: "), in["paper.understanding"]...)}, nil
		},
	}
}

// NewPlan breaks the script into a storyboard of scenes for animation.
func NewPlan(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Plan,
		inputKeys:  []string{"script"},
		outputKeys: []string{"visual_plan"},
		transform: func(in map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			return map[string][]byte{"visual_plan": append([]byte("storyboard: "), in["script"]...)}, nil
		},
	}
}

// NewAnimate renders the storyboard into silent video segments.
func NewAnimate(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Animate,
		inputKeys:  []string{"visual_plan"},
		outputKeys: []string{"scene.0.animation"},
		transform: func(in map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			return map[string][]byte{"scene.0.animation": append([]byte("video: "), in["visual_plan"]...)}, nil
		},
	}
}

// NewAnimateFallback is Animate's fallback worker (registry fallback index
// 1): a cheaper static render used when the primary renderer's output fails
// the stage's artifact contract (SPEC_FULL.md §8 scenario S3).
func NewAnimateFallback(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Animate,
		inputKeys:  []string{"visual_plan"},
		outputKeys: []string{"scene.0.animation"},
		transform: func(in map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			return map[string][]byte{"scene.0.animation": append([]byte("degraded video: "), in["visual_plan"]...)}, nil
		},
	}
}

// NewVoice synthesizes narration audio from the script.
func NewVoice(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Voice,
		inputKeys:  []string{"script"},
		outputKeys: []string{"scene.0.audio"},
		transform: func(in map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			return map[string][]byte{"scene.0.audio": append([]byte("audio: "), in["script"]...)}, nil
		},
	}
}

// NewCompose muxes video segments and narration audio into a finished file.
func NewCompose(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Compose,
		inputKeys:  []string{"scene.0.animation", "scene.0.audio"},
		outputKeys: []string{"video.final"},
		transform: func(in map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			merged := append(append([]byte{}, in["scene.0.animation"]...), in["scene.0.audio"]...)
			return map[string][]byte{"video.final": merged}, nil
		},
	}
}

// NewMetadata derives a title, description, and tags from the understanding
// for the publish stage to attach.
func NewMetadata(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Metadata,
		inputKeys:  []string{"paper.understanding"},
		outputKeys: []string{"metadata"},
		transform: func(in map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			return map[string][]byte{"metadata": append([]byte("metadata: "), in["paper.understanding"]...)}, nil
		},
	}
}

// NewPublish is the terminal stage: it records that the finished video and
// its metadata were handed to an upload API stand-in.
func NewPublish(store blobstore.Store) stage.Worker {
	return &blobWorker{
		store:      store,
		stageID:    Publish,
		inputKeys:  []string{"video.final", "metadata"},
		outputKeys: []string{"publish_receipt"},
		transform: func(in map[string][]byte) (map[string][]byte, *apperrors.StageErr) {
			return map[string][]byte{"publish_receipt": []byte("published")}, nil
		},
	}
}
