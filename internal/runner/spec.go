// spec.go builds the pod manifest for a one-shot execution pod, either from
// scratch or by merging a caller-supplied workload template.
package runner

import (
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

// MainContainerName is the container that receives the caller's command.
const MainContainerName = "main"

// ManagedByLabel marks pods created by this core.
const ManagedByLabel = "app.kubernetes.io/managed-by"

// RunResources is the caller-facing resource request. Values are translated
// into the cluster's native quantity representation; zero fields are omitted.
type RunResources struct {
	CPULimitMillis   int64
	CPURequestMillis int64
	MemoryLimitMB    int64
	MemoryRequestMB  int64
}

// SecurityOverrides are applied to the main container only when explicitly
// requested by the caller.
type SecurityOverrides struct {
	Privileged       *bool
	AddCapabilities  []string
	DropCapabilities []string
}

// RunSpecOptions describes the execution pod to generate.
type RunSpecOptions struct {
	PodName     string
	Namespace   string
	Image       string
	Command     []string
	Args        []string
	Env         []corev1.EnvVar
	Labels      map[string]string
	Annotations map[string]string

	// Template, when set, seeds the pod spec. Only an allow-list of pod-level
	// fields survives; see prepareFromTemplate.
	Template *corev1.PodSpec

	// ReferenceContainer, when set, contributes its container ports. Used
	// when mirroring an existing workload's container.
	ReferenceContainer *corev1.Container

	Volumes      []corev1.Volume
	VolumeMounts []corev1.VolumeMount
	Resources    *RunResources
	Security     *SecurityOverrides
}

// PrepareRunPodSpec produces the full pod manifest for a run. The result has
// exactly one container named MainContainerName carrying the caller's
// command; auxiliary containers from a template survive unmodified.
func PrepareRunPodSpec(opts RunSpecOptions) *corev1.Pod {
	var spec corev1.PodSpec
	if opts.Template != nil {
		spec = prepareFromTemplate(opts)
	} else {
		spec = synthesizeSpec(opts)
	}

	spec.RestartPolicy = corev1.RestartPolicyNever
	spec.Volumes = normalizeVolumes(dropPVCVolumes(spec.Volumes))
	dropped := droppedVolumeNames(opts.Template, spec.Volumes)
	for i := range spec.Containers {
		spec.Containers[i].VolumeMounts = dropMounts(spec.Containers[i].VolumeMounts, dropped)
	}

	labels := map[string]string{ManagedByLabel: "stackrun"}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        opts.PodName,
			Namespace:   opts.Namespace,
			Labels:      labels,
			Annotations: opts.Annotations,
		},
		Spec: spec,
	}
}

func synthesizeSpec(opts RunSpecOptions) corev1.PodSpec {
	return corev1.PodSpec{
		Containers: []corev1.Container{mainContainer(opts)},
		Volumes:    copyVolumes(opts.Volumes),
	}
}

// copyVolumes deep-copies the caller's volumes. The builder rewrites file
// modes and filters the slice, and options structs are reused across retries
// and cache-driven re-runs, so nothing may write through the caller's
// pointers.
func copyVolumes(volumes []corev1.Volume) []corev1.Volume {
	if len(volumes) == 0 {
		return nil
	}
	out := make([]corev1.Volume, 0, len(volumes))
	for i := range volumes {
		out = append(out, *volumes[i].DeepCopy())
	}
	return out
}

// prepareFromTemplate starts from an explicit allow-list of pod-level fields
// and discards everything else. Notably excluded: terminationGracePeriodSeconds
// (a one-shot pod should die fast) and scheduling/affinity fields.
func prepareFromTemplate(opts RunSpecOptions) corev1.PodSpec {
	tmpl := opts.Template.DeepCopy()
	spec := corev1.PodSpec{
		ShareProcessNamespace: tmpl.ShareProcessNamespace,
		Volumes:               append(tmpl.Volumes, copyVolumes(opts.Volumes)...),
		ImagePullSecrets:      tmpl.ImagePullSecrets,
	}

	mainIdx := 0
	for i := range tmpl.Containers {
		if tmpl.Containers[i].Name == MainContainerName {
			mainIdx = i
			break
		}
	}

	main := mainContainer(opts)
	if len(tmpl.Containers) == 0 {
		spec.Containers = []corev1.Container{main}
		return spec
	}
	for i := range tmpl.Containers {
		if i == mainIdx {
			// Carry template mounts so the command sees the same filesystem.
			main.VolumeMounts = append(tmpl.Containers[i].VolumeMounts, main.VolumeMounts...)
			spec.Containers = append(spec.Containers, main)
			continue
		}
		spec.Containers = append(spec.Containers, tmpl.Containers[i])
	}
	return spec
}

func mainContainer(opts RunSpecOptions) corev1.Container {
	c := corev1.Container{
		Name:            MainContainerName,
		Image:           opts.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         opts.Command,
		Args:            opts.Args,
		Env:             opts.Env,
		VolumeMounts:    append([]corev1.VolumeMount(nil), opts.VolumeMounts...),
	}
	if opts.ReferenceContainer != nil {
		c.Ports = opts.ReferenceContainer.Ports
	}
	if opts.Resources != nil {
		c.Resources = translateResources(*opts.Resources)
	}
	if opts.Security != nil {
		c.SecurityContext = translateSecurity(*opts.Security)
	}
	// Probes never make sense on a run-to-completion command container.
	c.LivenessProbe = nil
	c.ReadinessProbe = nil
	c.StartupProbe = nil
	return c
}

func translateResources(r RunResources) corev1.ResourceRequirements {
	out := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	if r.CPULimitMillis > 0 {
		out.Limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(r.CPULimitMillis, resource.DecimalSI)
	}
	if r.CPURequestMillis > 0 {
		out.Requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(r.CPURequestMillis, resource.DecimalSI)
	}
	if r.MemoryLimitMB > 0 {
		out.Limits[corev1.ResourceMemory] = *resource.NewQuantity(r.MemoryLimitMB*1024*1024, resource.BinarySI)
	}
	if r.MemoryRequestMB > 0 {
		out.Requests[corev1.ResourceMemory] = *resource.NewQuantity(r.MemoryRequestMB*1024*1024, resource.BinarySI)
	}
	if len(out.Limits) == 0 {
		out.Limits = nil
	}
	if len(out.Requests) == 0 {
		out.Requests = nil
	}
	return out
}

func translateSecurity(s SecurityOverrides) *corev1.SecurityContext {
	sc := &corev1.SecurityContext{}
	applied := false
	if s.Privileged != nil {
		sc.Privileged = s.Privileged
		applied = true
	}
	if len(s.AddCapabilities) > 0 || len(s.DropCapabilities) > 0 {
		caps := &corev1.Capabilities{}
		for _, c := range s.AddCapabilities {
			caps.Add = append(caps.Add, corev1.Capability(c))
		}
		for _, c := range s.DropCapabilities {
			caps.Drop = append(caps.Drop, corev1.Capability(c))
		}
		sc.Capabilities = caps
		applied = true
	}
	if !applied {
		return nil
	}
	return sc
}

// dropPVCVolumes removes PersistentVolumeClaim-backed volumes: one-shot run
// pods must not contend for RWO claims held by the workload they mirror.
func dropPVCVolumes(volumes []corev1.Volume) []corev1.Volume {
	out := make([]corev1.Volume, 0, len(volumes))
	for _, v := range volumes {
		if v.PersistentVolumeClaim != nil {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func droppedVolumeNames(tmpl *corev1.PodSpec, kept []corev1.Volume) map[string]bool {
	if tmpl == nil {
		return nil
	}
	keptNames := map[string]bool{}
	for _, v := range kept {
		keptNames[v.Name] = true
	}
	dropped := map[string]bool{}
	for _, v := range tmpl.Volumes {
		if !keptNames[v.Name] {
			dropped[v.Name] = true
		}
	}
	return dropped
}

func dropMounts(mounts []corev1.VolumeMount, dropped map[string]bool) []corev1.VolumeMount {
	if len(dropped) == 0 {
		return mounts
	}
	out := make([]corev1.VolumeMount, 0, len(mounts))
	for _, m := range mounts {
		if dropped[m.Name] {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeVolumes reinterprets decimal-looking ConfigMap/Secret file modes
// as octal: a config file carrying "755" means 0755 (493), matching how the
// surrounding config ecosystem has always read these values.
func normalizeVolumes(volumes []corev1.Volume) []corev1.Volume {
	for i := range volumes {
		if cm := volumes[i].ConfigMap; cm != nil {
			cm.DefaultMode = normalizeFileMode(cm.DefaultMode)
			for j := range cm.Items {
				cm.Items[j].Mode = normalizeFileMode(cm.Items[j].Mode)
			}
		}
		if sec := volumes[i].Secret; sec != nil {
			sec.DefaultMode = normalizeFileMode(sec.DefaultMode)
			for j := range sec.Items {
				sec.Items[j].Mode = normalizeFileMode(sec.Items[j].Mode)
			}
		}
	}
	return volumes
}

func normalizeFileMode(mode *int32) *int32 {
	if mode == nil {
		return nil
	}
	parsed, err := strconv.ParseInt(strconv.FormatInt(int64(*mode), 10), 8, 32)
	if err != nil {
		// Contains digits 8 or 9, so it cannot be a decimal rendering of an
		// octal mode. Leave it alone.
		return mode
	}
	return ptr.To(int32(parsed))
}
