package kube

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/example/stackrun/internal/events"
)

func TestEnsureNamespaceCreateThenNoop(t *testing.T) {
	client := fake.NewSimpleClientset()
	bus := events.NewBus()
	var seen []events.NamespaceStatus
	bus.Subscribe(events.ObserverFunc(func(ev events.NamespaceStatus) {
		seen = append(seen, ev)
	}))

	desired := NamespaceDescriptor{
		Name:        "demo",
		Annotations: map[string]string{"team": "platform"},
		Labels:      map[string]string{"env": "ci"},
	}

	res, err := EnsureNamespace(context.Background(), client, bus, logr.Discard(), desired)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !res.Created || res.Patched {
		t.Fatalf("expected created=true patched=false, got %+v", res)
	}
	if res.Remote.Annotations[AnnotationGeneratedBy] != "stackrun" {
		t.Fatalf("missing generated-by annotation: %v", res.Remote.Annotations)
	}
	if res.Remote.Annotations["team"] != "platform" || res.Remote.Labels["env"] != "ci" {
		t.Fatalf("caller metadata not merged: %+v", res.Remote.ObjectMeta)
	}

	res, err = EnsureNamespace(context.Background(), client, bus, logr.Discard(), desired)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if res.Created || res.Patched {
		t.Fatalf("expected converged noop, got %+v", res)
	}

	if len(seen) != 2 {
		t.Fatalf("expected exactly one event per call, got %d", len(seen))
	}
	for _, ev := range seen {
		if ev.Namespace != "demo" || ev.State != events.NamespaceStateReady {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestEnsureNamespacePatchesChangedMetadata(t *testing.T) {
	client := fake.NewSimpleClientset()
	bus := events.NewBus()

	first := NamespaceDescriptor{Name: "demo", Labels: map[string]string{"env": "ci"}}
	if _, err := EnsureNamespace(context.Background(), client, bus, logr.Discard(), first); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	second := NamespaceDescriptor{Name: "demo", Labels: map[string]string{"env": "prod", "tier": "web"}}
	res, err := EnsureNamespace(context.Background(), client, bus, logr.Discard(), second)
	if err != nil {
		t.Fatalf("ensure with changes: %v", err)
	}
	if res.Created || !res.Patched {
		t.Fatalf("expected patched=true, got %+v", res)
	}
	// Desired wins on conflict, existing keys survive the union.
	if res.Remote.Labels["env"] != "prod" || res.Remote.Labels["tier"] != "web" {
		t.Fatalf("labels not merged: %v", res.Remote.Labels)
	}
	if res.Remote.Annotations[AnnotationGeneratedBy] != "stackrun" {
		t.Fatalf("generated-by annotation lost on patch: %v", res.Remote.Annotations)
	}
}

func TestEnsureNamespacePatchBodyOnlyCarriesChanges(t *testing.T) {
	client := fake.NewSimpleClientset()

	first := NamespaceDescriptor{
		Name:        "demo",
		Labels:      map[string]string{"env": "ci"},
		Annotations: map[string]string{"team": "core"},
	}
	if _, err := EnsureNamespace(context.Background(), client, nil, logr.Discard(), first); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	var body []byte
	client.PrependReactor("patch", "namespaces", func(action k8stesting.Action) (bool, runtime.Object, error) {
		body = action.(k8stesting.PatchAction).GetPatch()
		return false, nil, nil
	})

	second := NamespaceDescriptor{
		Name:        "demo",
		Labels:      map[string]string{"env": "prod"},
		Annotations: map[string]string{"team": "core"},
	}
	res, err := EnsureNamespace(context.Background(), client, nil, logr.Discard(), second)
	if err != nil {
		t.Fatalf("ensure with change: %v", err)
	}
	if !res.Patched {
		t.Fatalf("expected patched, got %+v", res)
	}

	// Unchanged annotations must not appear in the patch, so metadata edited
	// by other controllers between reconciles is never clobbered.
	var patch struct {
		Metadata struct {
			Labels      map[string]string `json:"labels"`
			Annotations map[string]string `json:"annotations"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &patch); err != nil {
		t.Fatalf("unmarshal patch %s: %v", body, err)
	}
	if len(patch.Metadata.Labels) != 1 || patch.Metadata.Labels["env"] != "prod" {
		t.Fatalf("patch labels = %v, want only env=prod", patch.Metadata.Labels)
	}
	if len(patch.Metadata.Annotations) != 0 {
		t.Fatalf("patch must not carry unchanged annotations: %v", patch.Metadata.Annotations)
	}
}

func TestEnsureNamespaceRequiresName(t *testing.T) {
	client := fake.NewSimpleClientset()
	if _, err := EnsureNamespace(context.Background(), client, nil, logr.Discard(), NamespaceDescriptor{}); err == nil {
		t.Fatal("expected error for empty namespace name")
	}
}

func TestDeleteNamespaceToleratesMissing(t *testing.T) {
	client := fake.NewSimpleClientset()
	if err := DeleteNamespace(context.Background(), client, nil, "gone"); err != nil {
		t.Fatalf("delete missing namespace: %v", err)
	}
}
