// Package runner manages the full lifecycle of one-shot execution pods:
// create, wait for readiness, exec commands, stream logs, classify failures
// (including OOM kills), and clean up on every exit path.
package runner

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

const (
	// maxPodNameLength is the RFC 1123 bound on pod names.
	maxPodNameLength = 63

	defaultStartTimeout = 10 * time.Minute
	startPollInterval   = 500 * time.Millisecond
	completionPoll      = time.Second
)

type runnerState int

const (
	stateCreated runnerState = iota
	stateStarted
	stateStopped
)

// PodRunner drives one execution pod. Instances are single-use: Start once,
// then Exec/GetLogs as needed, then Stop. Independent runners are safe to use
// concurrently; a single runner is not meant to be shared across goroutines
// except for Stop, which is idempotent.
type PodRunner struct {
	client     kubernetes.Interface
	restConfig *rest.Config
	log        logr.Logger

	pod       *corev1.Pod
	createdAt time.Time

	mu    sync.Mutex
	state runnerState
}

// ContainerLog pairs a container name with its collected log text.
type ContainerLog struct {
	Name string
	Log  string
}

// ExecOpts configures a single command execution inside a started pod.
type ExecOpts struct {
	Command   []string
	Container string // defaults to the main container
	// TimeoutSec bounds the command's wall clock; zero means no limit.
	TimeoutSec int
	// Buffer collects combined stdout/stderr and returns it on completion.
	// Mutually exclusive with Stdout/Stderr.
	Buffer bool
	TTY    bool
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// RunOpts configures RunAndWait.
type RunOpts struct {
	// Command is exec'd inside the started pod. When empty, the pod's own
	// container command runs to completion instead.
	Command      []string
	StartTimeout time.Duration
	TimeoutSec   int
	// KeepPod leaves the pod in place after the run; the default is removal
	// on every exit path.
	KeepPod bool
	// ThrowOnExitCode turns non-success completions into returned errors.
	ThrowOnExitCode bool
	TTY             bool
	Stdin           io.Reader
	Stdout          io.Writer
	Stderr          io.Writer
}

// RunResult is the outcome of one run. Timeout, OOM and non-zero exits are
// reported here as classified non-success results; hard faults (API errors,
// invalid specs) travel on the error channel instead.
type RunResult struct {
	Log         string
	Success     bool
	StartedAt   time.Time
	CompletedAt time.Time
	ExitCode    int
	Failure     FailureKind
}

// NewPodRunner wraps a prepared pod manifest. The manifest must have at least
// one container; the first (or the one named MainContainerName) receives
// commands.
func NewPodRunner(client kubernetes.Interface, restConfig *rest.Config, log logr.Logger, pod *corev1.Pod) (*PodRunner, error) {
	if pod == nil || len(pod.Spec.Containers) == 0 {
		return nil, errors.New("pod spec must have at least one container")
	}
	if pod.Name == "" || pod.Namespace == "" {
		return nil, errors.New("pod name and namespace are required")
	}
	if len(pod.Name) > maxPodNameLength {
		return nil, errors.Errorf("pod name %q exceeds %d characters", pod.Name, maxPodNameLength)
	}
	return &PodRunner{
		client:     client,
		restConfig: restConfig,
		log:        log.WithName("pod-runner").WithValues("pod", pod.Name, "namespace", pod.Namespace),
		pod:        pod,
	}, nil
}

// Name returns the generated pod name.
func (r *PodRunner) Name() string { return r.pod.Name }

// Namespace returns the pod's namespace.
func (r *PodRunner) Namespace() string { return r.pod.Namespace }

func (r *PodRunner) mainContainerName() string {
	for _, c := range r.pod.Spec.Containers {
		if c.Name == MainContainerName {
			return c.Name
		}
	}
	return r.pod.Spec.Containers[0].Name
}

// Start creates the pod and blocks until it reports readiness (or has
// already run to completion), or until timeout elapses.
func (r *PodRunner) Start(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	if r.state != stateCreated {
		r.mu.Unlock()
		return errors.New("pod runner already started or stopped")
	}
	r.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultStartTimeout
	}

	created, err := r.client.CoreV1().Pods(r.pod.Namespace).Create(ctx, r.pod, metav1.CreateOptions{})
	if err != nil {
		return &Failure{
			Kind:    FailurePodCreation,
			Message: fmt.Sprintf("failed to create pod %s in namespace %s: %v", r.pod.Name, r.pod.Namespace, err),
			Err:     err,
		}
	}
	r.pod = created
	r.createdAt = time.Now()
	r.log.V(1).Info("created execution pod")

	err = wait.PollUntilContextTimeout(ctx, startPollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := r.client.CoreV1().Pods(r.pod.Namespace).Get(ctx, r.pod.Name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return podStarted(pod), nil
	})
	if err != nil {
		return &Failure{
			Kind:    FailurePodStart,
			Message: fmt.Sprintf("pod %s failed to start within %s: %s", r.pod.Name, timeout, r.describeStartFailure(ctx)),
			Err:     err,
		}
	}

	r.mu.Lock()
	r.state = stateStarted
	r.mu.Unlock()
	return nil
}

// podStarted reports whether a pod is ready to receive exec requests, or has
// terminated already (a fast command can finish before we observe readiness).
func podStarted(pod *corev1.Pod) bool {
	if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
		return true
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Ready {
			return true
		}
	}
	return false
}

// describeStartFailure collects phase, conditions and recent events so the
// error message is diagnosable without kubectl.
func (r *PodRunner) describeStartFailure(ctx context.Context) string {
	pod, err := r.client.CoreV1().Pods(r.pod.Namespace).Get(ctx, r.pod.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Sprintf("(could not fetch pod status: %v)", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "phase=%s", pod.Status.Phase)
	for _, cond := range pod.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			fmt.Fprintf(&b, "; %s=%s (%s: %s)", cond.Type, cond.Status, cond.Reason, cond.Message)
		}
	}
	events, err := r.client.CoreV1().Events(r.pod.Namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("involvedObject.name=%s", r.pod.Name),
	})
	if err == nil {
		for _, e := range events.Items {
			if e.Type == corev1.EventTypeWarning {
				fmt.Fprintf(&b, "; event %s: %s", e.Reason, e.Message)
			}
		}
	}
	return b.String()
}

// Exec runs a command inside the started pod over an exec channel. With
// Buffer set it returns the combined output once the process exits. A
// non-zero remote exit or an elapsed timeout comes back as a classified
// *Failure.
func (r *PodRunner) Exec(ctx context.Context, opts ExecOpts) (string, error) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	switch state {
	case stateCreated:
		return "", errors.New("pod runner is not started")
	case stateStopped:
		return "", errors.New("pod runner is already stopped")
	}
	if len(opts.Command) == 0 {
		return "", errors.New("command must not be empty")
	}
	if opts.Buffer && (opts.Stdout != nil || opts.Stderr != nil) {
		return "", errors.New("buffer and stdout/stderr are mutually exclusive")
	}

	container := opts.Container
	if container == "" {
		container = r.mainContainerName()
	}

	var buf *syncBuffer
	stdout, stderr := opts.Stdout, opts.Stderr
	if opts.Buffer {
		buf = &syncBuffer{}
		stdout, stderr = buf, buf
	}
	stdin := opts.Stdin
	if opts.TTY {
		// A TTY multiplexes everything onto one stream and attaches the
		// local stdio when the caller did not supply streams.
		stderr = nil
		if stdin == nil {
			stdin = os.Stdin
		}
		if stdout == nil {
			stdout = os.Stdout
		}
		if restore, err := makeRawTerminal(stdin); err == nil && restore != nil {
			defer restore()
		}
	}

	execCtx := ctx
	if opts.TimeoutSec > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSec)*time.Second)
		defer cancel()
	}

	req := r.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(r.pod.Namespace).
		Name(r.pod.Name).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Command:   opts.Command,
		Container: container,
		Stdin:     stdin != nil,
		Stdout:    stdout != nil,
		Stderr:    stderr != nil,
		TTY:       opts.TTY,
	}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(r.restConfig, "POST", req.URL())
	if err != nil {
		return "", errors.Wrap(err, "create executor")
	}

	streamErr := executor.StreamWithContext(execCtx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Tty:    opts.TTY,
	})

	output := ""
	if buf != nil {
		output = buf.String()
	}

	if streamErr != nil {
		if opts.TimeoutSec > 0 && execCtx.Err() != nil && ctx.Err() == nil {
			return output, newTimeoutFailure(opts.TimeoutSec, output)
		}
		var exitErr utilexec.ExitError
		if errors.As(streamErr, &exitErr) {
			return output, newExitFailure(opts.Command, exitErr.ExitStatus(), output)
		}
		return output, errors.Wrapf(streamErr, "exec in pod %s/%s", r.pod.Namespace, r.pod.Name)
	}
	return output, nil
}

// RunAndWait combines create, start, command execution and cleanup for
// one-shot use. Timeout, OOM and non-zero exits come back as a classified
// RunResult; with ThrowOnExitCode they are additionally returned as errors.
func (r *PodRunner) RunAndWait(ctx context.Context, opts RunOpts) (*RunResult, error) {
	if opts.TTY && (opts.Stdout != nil || opts.Stderr != nil || opts.Stdin != nil) {
		return nil, errors.New("tty and stdout/stderr/stdin are mutually exclusive")
	}

	result := &RunResult{StartedAt: time.Now()}

	if err := r.Start(ctx, opts.StartTimeout); err != nil {
		return nil, err
	}
	if !opts.KeepPod {
		defer func() {
			// Cleanup must run even when ctx is already cancelled.
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := r.Stop(stopCtx); err != nil {
				r.log.Info("warning: failed to delete execution pod", "error", err.Error())
			}
		}()
	}

	var runErr error
	if len(opts.Command) > 0 {
		result.Log, runErr = r.Exec(ctx, ExecOpts{
			Command:    opts.Command,
			TimeoutSec: opts.TimeoutSec,
			Buffer:     !opts.TTY && opts.Stdout == nil,
			TTY:        opts.TTY,
			Stdin:      opts.Stdin,
			Stdout:     opts.Stdout,
			Stderr:     opts.Stderr,
		})
	} else {
		result.Log, runErr = r.waitForCompletion(ctx, opts.TimeoutSec)
	}
	result.CompletedAt = time.Now()

	return r.classify(ctx, result, runErr, opts.ThrowOnExitCode)
}

// waitForCompletion waits for the main container to terminate and returns its
// log. Used when the pod's own command is the workload.
func (r *PodRunner) waitForCompletion(ctx context.Context, timeoutSec int) (string, error) {
	waitCtx := ctx
	if timeoutSec > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
		defer cancel()
	}

	main := r.mainContainerName()
	var exitCode int32
	err := wait.PollUntilContextCancel(waitCtx, completionPoll, true, func(ctx context.Context) (bool, error) {
		pod, err := r.client.CoreV1().Pods(r.pod.Namespace).Get(ctx, r.pod.Name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == main && cs.State.Terminated != nil {
				exitCode = cs.State.Terminated.ExitCode
				return true, nil
			}
		}
		return false, nil
	})

	log := r.containerLog(context.WithoutCancel(ctx), main)
	if err != nil {
		if timeoutSec > 0 && waitCtx.Err() != nil && ctx.Err() == nil {
			return log, newTimeoutFailure(timeoutSec, log)
		}
		return log, err
	}
	if exitCode != 0 {
		var command []string
		for _, c := range r.pod.Spec.Containers {
			if c.Name == main {
				command = c.Command
				break
			}
		}
		return log, newExitFailure(command, int(exitCode), log)
	}
	return log, nil
}

// classify turns the raw exec outcome into the final mutually exclusive
// result kind, folding in the container's terminal state for OOM detection.
func (r *PodRunner) classify(ctx context.Context, result *RunResult, runErr error, throwOnExitCode bool) (*RunResult, error) {
	// OOM kills have been observed with exit code 0 as well as 137, so the
	// terminated reason is authoritative, not the exit code.
	if reason, exitCode, ok := r.mainTerminationState(ctx); ok && reason == "OOMKilled" {
		result.Success = false
		result.Failure = FailureOOM
		result.ExitCode = exitCode
		oom := newOOMFailure(r.pod.Name, exitCode, result.Log)
		if throwOnExitCode {
			return result, oom
		}
		return result, nil
	}

	if runErr == nil {
		result.Success = true
		return result, nil
	}

	f := AsFailure(runErr)
	if f == nil {
		// Hard fault (API unreachable, stream torn down): not a classified
		// command outcome, surface as error regardless of throwOnExitCode.
		return nil, runErr
	}
	result.Success = false
	result.Failure = f.Kind
	result.ExitCode = f.ExitCode
	if f.Kind == FailureTimeout {
		result.Log = timeoutLog(f.Message, result.Log)
	}
	if throwOnExitCode {
		return result, f
	}
	return result, nil
}

func (r *PodRunner) mainTerminationState(ctx context.Context) (reason string, exitCode int, ok bool) {
	pod, err := r.client.CoreV1().Pods(r.pod.Namespace).Get(ctx, r.pod.Name, metav1.GetOptions{})
	if err != nil {
		return "", 0, false
	}
	main := r.mainContainerName()
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != main {
			continue
		}
		if cs.State.Terminated != nil {
			return cs.State.Terminated.Reason, int(cs.State.Terminated.ExitCode), true
		}
		if cs.LastTerminationState.Terminated != nil {
			t := cs.LastTerminationState.Terminated
			return t.Reason, int(t.ExitCode), true
		}
	}
	return "", 0, false
}

// timeoutLog prefixes the timeout message, attaching partial output when any
// was captured before the deadline.
func timeoutLog(message, partial string) string {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return message
	}
	return fmt.Sprintf("%s: Here are the logs until the timeout occurred:\n\n%s", message, partial)
}

// GetLogs returns each container's log text. Works while the pod is running
// and after termination, since the kubelet retains the terminated container's
// log buffer until the pod is deleted.
func (r *PodRunner) GetLogs(ctx context.Context) ([]ContainerLog, error) {
	pod, err := r.client.CoreV1().Pods(r.pod.Namespace).Get(ctx, r.pod.Name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get pod %s/%s", r.pod.Namespace, r.pod.Name)
	}

	logs := make([]ContainerLog, len(pod.Spec.Containers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range pod.Spec.Containers {
		g.Go(func() error {
			stream, err := r.client.CoreV1().Pods(r.pod.Namespace).
				GetLogs(r.pod.Name, &corev1.PodLogOptions{Container: c.Name}).
				Stream(gctx)
			if err != nil {
				return errors.Wrapf(err, "stream logs for container %s", c.Name)
			}
			defer stream.Close()
			raw, err := io.ReadAll(stream)
			if err != nil {
				return errors.Wrapf(err, "read logs for container %s", c.Name)
			}
			logs[i] = ContainerLog{Name: c.Name, Log: string(raw)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *PodRunner) containerLog(ctx context.Context, container string) string {
	stream, err := r.client.CoreV1().Pods(r.pod.Namespace).
		GetLogs(r.pod.Name, &corev1.PodLogOptions{Container: container}).
		Stream(ctx)
	if err != nil {
		return ""
	}
	defer stream.Close()
	raw, _ := io.ReadAll(stream)
	return string(raw)
}

// Stop deletes the pod if it still exists. Idempotent: safe to call multiple
// times and after the pod is already gone.
func (r *PodRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.state = stateStopped
	r.mu.Unlock()

	err := r.client.CoreV1().Pods(r.pod.Namespace).Delete(ctx, r.pod.Name, metav1.DeleteOptions{
		GracePeriodSeconds: ptrInt64(0),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrapf(err, "delete pod %s/%s", r.pod.Namespace, r.pod.Name)
	}
	return nil
}

func ptrInt64(v int64) *int64 { return &v }

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// GeneratePodName derives a deterministic, RFC 1123 compliant pod name from a
// prefix and the action identity. Over-long names keep a hash suffix so
// distinct identities never collapse to the same truncation.
func GeneratePodName(prefix, key string) string {
	name := sanitizeName(prefix + "-" + key)
	if len(name) <= maxPodNameLength {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:8]
	return strings.TrimRight(name[:maxPodNameLength-9], "-") + "-" + suffix
}

// UniquePodName appends a random suffix so concurrent runs of the same action
// never collide.
func UniquePodName(prefix, key string) string {
	raw := make([]byte, 3)
	_, _ = rand.Read(raw)
	base := GeneratePodName(prefix, key)
	if len(base) > maxPodNameLength-7 {
		base = strings.TrimRight(base[:maxPodNameLength-7], "-")
	}
	return base + "-" + hex.EncodeToString(raw)
}

func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = invalidNameChars.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}

// syncBuffer is a bytes.Buffer safe for the two writers the exec stream
// drives concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// makeRawTerminal switches the local terminal into raw mode for TTY exec and
// returns the restore func. Non-terminal stdin is a no-op.
func makeRawTerminal(stdin io.Reader) (func(), error) {
	f, ok := stdin.(*os.File)
	if !ok {
		return nil, nil
	}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}
