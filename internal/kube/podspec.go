// podspec.go resolves the pod spec behind the different kinds of execution
// targets: a concrete pod, a workload's pod template, or a live pod matched
// by label selector.
package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

// TargetKind enumerates the closed set of resources an execution target can
// point at.
type TargetKind string

const (
	TargetPod         TargetKind = "Pod"
	TargetDeployment  TargetKind = "Deployment"
	TargetDaemonSet   TargetKind = "DaemonSet"
	TargetStatefulSet TargetKind = "StatefulSet"
	// TargetSelector matches a live pod by label selector instead of by name.
	TargetSelector TargetKind = "Selector"
)

// PodTarget names a resource whose pod spec should be mirrored. Exactly one
// variant applies: Name for the named kinds, Selector for TargetSelector.
type PodTarget struct {
	Kind     TargetKind
	Name     string
	Selector map[string]string
}

func (t PodTarget) String() string {
	if t.Kind == TargetSelector {
		return fmt.Sprintf("%s %v", t.Kind, t.Selector)
	}
	return fmt.Sprintf("%s/%s", t.Kind, t.Name)
}

// ResourcePodSpec returns the normalized pod spec for the target: a pod's own
// spec, a workload's template spec, or the spec of a live matched pod. The
// returned spec is a deep copy; mutating it never touches the remote object.
func ResourcePodSpec(ctx context.Context, client kubernetes.Interface, namespace string, target PodTarget) (*corev1.PodSpec, error) {
	switch target.Kind {
	case TargetPod:
		pod, err := client.CoreV1().Pods(namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return pod.Spec.DeepCopy(), nil
	case TargetDeployment:
		deploy, err := client.AppsV1().Deployments(namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return deploy.Spec.Template.Spec.DeepCopy(), nil
	case TargetDaemonSet:
		ds, err := client.AppsV1().DaemonSets(namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return ds.Spec.Template.Spec.DeepCopy(), nil
	case TargetStatefulSet:
		sts, err := client.AppsV1().StatefulSets(namespace).Get(ctx, target.Name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return sts.Spec.Template.Spec.DeepCopy(), nil
	case TargetSelector:
		pod, err := MatchLivePod(ctx, client, namespace, target.Selector)
		if err != nil {
			return nil, err
		}
		return pod.Spec.DeepCopy(), nil
	default:
		return nil, fmt.Errorf("unsupported target kind %q", target.Kind)
	}
}

// MatchLivePod returns a running pod matching the selector, preferring ready
// pods over merely running ones.
func MatchLivePod(ctx context.Context, client kubernetes.Interface, namespace string, selector map[string]string) (*corev1.Pod, error) {
	if len(selector) == 0 {
		return nil, fmt.Errorf("empty label selector")
	}
	list, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, err
	}
	var running *corev1.Pod
	for i := range list.Items {
		pod := &list.Items[i]
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		if isPodReady(pod) {
			return pod, nil
		}
		if running == nil {
			running = pod
		}
	}
	if running != nil {
		return running, nil
	}
	return nil, fmt.Errorf("no running pod in namespace %s matches selector %v", namespace, selector)
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}
