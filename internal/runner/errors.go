package runner

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies how a run ended. The set is exhaustive and mutually
// exclusive; exactly one kind applies to any completed run.
type FailureKind string

const (
	// FailureNone marks a successful run.
	FailureNone FailureKind = ""
	// FailurePodCreation covers invalid specs, name collisions, quota and
	// other API rejections while creating the pod resource.
	FailurePodCreation FailureKind = "pod-creation-failed"
	// FailurePodStart covers image pull failures, scheduling failures and
	// readiness timeouts once the pod resource exists.
	FailurePodStart FailureKind = "pod-start-failed"
	// FailureTimeout means the command's wall-clock deadline elapsed.
	FailureTimeout FailureKind = "command-timeout"
	// FailureOOM means the main container terminated with reason OOMKilled,
	// whatever exit code it reported.
	FailureOOM FailureKind = "pod-oom"
	// FailureNonZeroExit means the process completed and returned failure.
	FailureNonZeroExit FailureKind = "command-nonzero-exit"
)

// Failure is the error type carried by every classified runtime failure. The
// message embeds enough captured context (command, exit code, trailing log)
// to diagnose without re-running.
type Failure struct {
	Kind     FailureKind
	Message  string
	ExitCode int
	// Log holds combined output captured up to the failure, possibly empty.
	Log string
	Err error
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is lets errors.Is match two failures of the same kind.
func (f *Failure) Is(target error) bool {
	var other *Failure
	if !errors.As(target, &other) {
		return false
	}
	return f.Kind == other.Kind
}

// AsFailure extracts a *Failure from err, or nil.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// KindOf returns the classification of err; bare errors map to FailureNone
// so callers can distinguish classified outcomes from hard faults.
func KindOf(err error) FailureKind {
	if f := AsFailure(err); f != nil {
		return f.Kind
	}
	return FailureNone
}

func timeoutMessage(seconds int) string {
	return fmt.Sprintf("Command timed out after %d seconds.", seconds)
}

func newTimeoutFailure(seconds int, log string) *Failure {
	return &Failure{
		Kind:    FailureTimeout,
		Message: timeoutMessage(seconds),
		Log:     log,
	}
}

func newOOMFailure(podName string, exitCode int, log string) *Failure {
	return &Failure{
		Kind: FailureOOM,
		Message: fmt.Sprintf(
			"pod %s was killed because it ran out of memory (exit code %d); consider raising the action's memory limit",
			podName, exitCode),
		ExitCode: exitCode,
		Log:      log,
	}
}

func newExitFailure(command []string, exitCode int, log string) *Failure {
	msg := fmt.Sprintf("command %v failed with exit code %d", command, exitCode)
	if log != "" {
		msg = fmt.Sprintf("%s:\n\n%s", msg, tailLines(log, 100))
	}
	return &Failure{
		Kind:     FailureNonZeroExit,
		Message:  msg,
		ExitCode: exitCode,
		Log:      log,
	}
}

// tailLines returns the last n lines, keeping error messages bounded while
// preserving the part of the output that usually explains the failure.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
