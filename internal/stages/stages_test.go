package stages

import (
	"context"
	"testing"
	"time"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/blobstore"
	"github.com/arclight/paperforge/internal/registry"
	"github.com/arclight/paperforge/internal/stage"
)

func TestNewIngest_HappyPath(t *testing.T) {
	store := blobstore.NewMemory()
	w := NewIngest(store)
	out, err := w.Run(context.Background(), stage.Input{})
	if err != nil {
		t.Fatalf("want no error, got %v", err)
	}
	if out.OutputArtifacts["paper.parsed"] == "" {
		t.Fatal("want paper.parsed artifact produced")
	}
}

func TestBlobWorker_MissingInputArtifactIsContractViolation(t *testing.T) {
	store := blobstore.NewMemory()
	w := NewUnderstand(store)
	_, err := w.Run(context.Background(), stage.Input{InputArtifacts: map[string]string{}})
	if err == nil || err.Kind != apperrors.KindContractViolation {
		t.Fatalf("want CONTRACT_VIOLATION for missing input, got %v", err)
	}
}

func TestPipeline_EndToEndArtifactChaining(t *testing.T) {
	store := blobstore.NewMemory()
	reg := registry.New()
	if err := RegisterAll(reg, store, 5*time.Second); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	artifacts := map[string]string{}
	for _, stageID := range reg.Order() {
		e, ok := reg.Get(stageID)
		if !ok {
			t.Fatalf("stage %q not registered", stageID)
		}
		in := stage.Input{InputArtifacts: map[string]string{}}
		for _, k := range e.InputKeys {
			ref, ok := artifacts[k]
			if !ok {
				t.Fatalf("stage %q: missing upstream artifact %q", stageID, k)
			}
			in.InputArtifacts[k] = ref
		}

		out, serr := e.Primary.Run(context.Background(), in)
		if serr != nil {
			t.Fatalf("stage %q failed: %v", stageID, serr)
		}
		if verr := reg.ValidateOutputs(stageID, out.OutputArtifacts); verr != nil {
			t.Fatalf("stage %q produced a contract-violating output set: %v", stageID, verr)
		}
		for k, ref := range out.OutputArtifacts {
			artifacts[k] = ref
		}
	}

	if _, ok := artifacts["publish_receipt"]; !ok {
		t.Fatal("want the pipeline to reach publish and produce a receipt")
	}
}

func TestRegisterAll_DeclaresAllNineStagesInPipelineOrder(t *testing.T) {
	reg := registry.New()
	if err := RegisterAll(reg, blobstore.NewMemory(), 5*time.Second); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	want := []string{Ingest, Understand, Script, Plan, Animate, Voice, Compose, Metadata, Publish}
	got := reg.Order()
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}

func TestRegisterAll_ResourceClassesAreWiredFromTheSharedTable(t *testing.T) {
	reg := registry.New()
	if err := RegisterAll(reg, blobstore.NewMemory(), 5*time.Second); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	for stageID, want := range ResourceClasses {
		e, ok := reg.Get(stageID)
		if !ok {
			t.Fatalf("stage %q not registered", stageID)
		}
		if e.ResourceClass != want {
			t.Fatalf("stage %q: want resource class %q, got %q", stageID, want, e.ResourceClass)
		}
	}
}
