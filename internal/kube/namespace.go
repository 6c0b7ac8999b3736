// namespace.go reconciles the destination namespace before any execution pod
// is created: idempotent create-or-patch with caller annotations and labels.
package kube

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/example/stackrun/internal/events"
	"github.com/example/stackrun/internal/version"
)

const (
	// AnnotationGeneratedBy marks namespaces created by this core.
	AnnotationGeneratedBy = "stackrun.dev/generated-by"
	// AnnotationVersion records the binary version that last reconciled.
	AnnotationVersion = "stackrun.dev/version"

	pluginName = "kubernetes"
)

// NamespaceDescriptor is the desired state of a destination namespace.
type NamespaceDescriptor struct {
	Name        string
	Annotations map[string]string
	Labels      map[string]string
}

// ReconcileResult reports what EnsureNamespace did. Created and Patched are
// mutually exclusive; both false means the remote already matched.
type ReconcileResult struct {
	Created bool
	Patched bool
	Remote  *corev1.Namespace
}

// EnsureNamespace makes sure the namespace exists with the desired
// annotations and labels merged in (desired values win on conflict). It emits
// exactly one NamespaceStatus event per call, mutation or not. Transient API
// errors are not retried here; retry policy belongs to the graph scheduler.
func EnsureNamespace(ctx context.Context, client kubernetes.Interface, bus *events.Bus, log logr.Logger, desired NamespaceDescriptor) (ReconcileResult, error) {
	if desired.Name == "" {
		return ReconcileResult{}, fmt.Errorf("namespace name is required")
	}

	existing, err := client.CoreV1().Namespaces().Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return ReconcileResult{}, fmt.Errorf("check namespace %s: %w", desired.Name, err)
	}

	if apierrors.IsNotFound(err) {
		ns := &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{
				Name:        desired.Name,
				Annotations: mergeStringMaps(generatedAnnotations(), desired.Annotations),
				Labels:      mergeStringMaps(nil, desired.Labels),
			},
		}
		created, err := client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
		if err != nil {
			return ReconcileResult{}, fmt.Errorf("create namespace %s: %w", desired.Name, err)
		}
		log.V(1).Info("created namespace", "namespace", desired.Name)
		emitNamespaceStatus(bus, desired.Name)
		return ReconcileResult{Created: true, Remote: created}, nil
	}

	wantAnnotations := mergeStringMaps(existing.Annotations, desired.Annotations)
	wantLabels := mergeStringMaps(existing.Labels, desired.Labels)
	if stringMapsEqual(wantAnnotations, existing.Annotations) && stringMapsEqual(wantLabels, existing.Labels) {
		emitNamespaceStatus(bus, desired.Name)
		return ReconcileResult{Remote: existing}, nil
	}

	// Patch only the entries we want changed so concurrent metadata edits on
	// the namespace survive the reconcile.
	meta := map[string]any{}
	if added := addedEntries(existing.Annotations, wantAnnotations); len(added) > 0 {
		meta["annotations"] = added
	}
	if added := addedEntries(existing.Labels, wantLabels); len(added) > 0 {
		meta["labels"] = added
	}
	payload, err := json.Marshal(map[string]any{"metadata": meta})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("encode namespace patch: %w", err)
	}
	patched, err := client.CoreV1().Namespaces().Patch(ctx, desired.Name, types.MergePatchType, payload, metav1.PatchOptions{})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("patch namespace %s: %w", desired.Name, err)
	}
	log.V(1).Info("patched namespace", "namespace", desired.Name)
	emitNamespaceStatus(bus, desired.Name)
	return ReconcileResult{Patched: true, Remote: patched}, nil
}

// DeleteNamespace removes the namespace if it exists. Missing is not an
// error; callers use this for best-effort teardown between runs.
func DeleteNamespace(ctx context.Context, client kubernetes.Interface, bus *events.Bus, name string) error {
	err := client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete namespace %s: %w", name, err)
	}
	if bus != nil {
		bus.PublishNamespaceStatus(events.NamespaceStatus{
			Namespace: name,
			State:     events.NamespaceStateMissing,
			Plugin:    pluginName,
		})
	}
	return nil
}

func emitNamespaceStatus(bus *events.Bus, name string) {
	bus.PublishNamespaceStatus(events.NamespaceStatus{
		Namespace: name,
		State:     events.NamespaceStateReady,
		Plugin:    pluginName,
	})
}

func generatedAnnotations() map[string]string {
	return map[string]string{
		AnnotationGeneratedBy: "stackrun",
		AnnotationVersion:     version.Get().Version,
	}
}

// addedEntries returns the entries of want that are absent or different in
// have. They make up the merge-patch body.
func addedEntries(have, want map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range want {
		if hv, ok := have[k]; !ok || hv != v {
			out[k] = v
		}
	}
	return out
}

// mergeStringMaps unions overlay into base; overlay wins on conflict. The
// result is always a fresh map.
func mergeStringMaps(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
