// copy.go is the higher-level run workflow: generate a pod spec, execute a
// command, and copy requested artifacts out of the container via tar, even
// when the command timed out.
package runner

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// ArtifactSpec names a path or glob inside the container, plus an optional
// sub-path under the local artifacts directory. A source matching nothing is
// skipped, not an error.
type ArtifactSpec struct {
	Source string
	Target string
}

// RunAndCopyOpts configures RunAndCopy.
type RunAndCopyOpts struct {
	// ActionName feeds pod name generation; names stay unique per run.
	ActionName string
	Namespace  string

	Image   string
	Command []string
	Args    []string

	Spec RunSpecOptions // Image/Command/Args/PodName/Namespace filled in here

	Artifacts    []ArtifactSpec
	ArtifactsDir string

	TimeoutSec   int
	StartTimeout time.Duration
	KeepPod      bool

	Stdout io.Writer
	Stderr io.Writer
}

// holdCommand keeps the container alive while the real command runs over an
// exec channel and artifacts are copied afterwards.
var holdCommand = []string{"sh", "-c", "sleep 86400"}

// RunAndCopy executes the command in a fresh pod and extracts the requested
// artifacts to the local filesystem. The pod is deleted on every exit path
// unless KeepPod is set; artifact copy proceeds after success and after a
// command timeout alike.
func RunAndCopy(ctx context.Context, client kubernetes.Interface, restConfig *rest.Config, log logr.Logger, opts RunAndCopyOpts) (*RunResult, error) {
	copyArtifacts := len(opts.Artifacts) > 0
	if copyArtifacts && len(opts.Command) == 0 {
		// Checked before any pod exists.
		return nil, errors.New(
			"cannot specify artifacts when command is not set: the container entrypoint cannot be inferred in this execution mode, so an explicit command is required")
	}

	specOpts := opts.Spec
	specOpts.Namespace = opts.Namespace
	specOpts.Image = opts.Image
	if specOpts.PodName == "" {
		specOpts.PodName = UniquePodName("run", opts.ActionName)
	}
	if copyArtifacts {
		// The real command runs via exec so the container outlives it.
		specOpts.Command = holdCommand
		specOpts.Args = nil
	} else {
		specOpts.Command = opts.Command
		specOpts.Args = opts.Args
	}

	pod := PrepareRunPodSpec(specOpts)
	r, err := NewPodRunner(client, restConfig, log, pod)
	if err != nil {
		return nil, err
	}

	if !copyArtifacts {
		return r.RunAndWait(ctx, RunOpts{
			StartTimeout: opts.StartTimeout,
			TimeoutSec:   opts.TimeoutSec,
			KeepPod:      opts.KeepPod,
			Stdout:       opts.Stdout,
			Stderr:       opts.Stderr,
		})
	}

	// Keep the pod across the command so artifacts survive a timeout; delete
	// it ourselves on the way out.
	if !opts.KeepPod {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := r.Stop(stopCtx); err != nil {
				log.Info("warning: failed to delete execution pod", "pod", r.Name(), "error", err.Error())
			}
		}()
	}

	result, err := r.RunAndWait(ctx, RunOpts{
		Command:      opts.Command,
		StartTimeout: opts.StartTimeout,
		TimeoutSec:   opts.TimeoutSec,
		KeepPod:      true,
	})
	if err != nil {
		return nil, err
	}

	// The hold container survives a timeout or a failed command, so artifacts
	// can still be collected. After an OOM kill there is nothing left to exec
	// into.
	if result.Failure != FailureOOM {
		if err := extractArtifacts(ctx, r, opts.Artifacts, opts.ArtifactsDir); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// extractArtifacts streams each artifact spec out of the container as a tar
// archive and unpacks it under destDir.
func extractArtifacts(ctx context.Context, r *PodRunner, specs []ArtifactSpec, destDir string) error {
	if destDir == "" {
		return errors.New("artifacts directory is required")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrap(err, "create artifacts directory")
	}
	if err := checkCopyBinaries(ctx, r.Exec, r.pod.Spec.Containers[0].Image); err != nil {
		return err
	}
	for _, spec := range specs {
		if err := extractOne(ctx, r, spec, destDir); err != nil {
			return errors.Wrapf(err, "copy artifact %q", spec.Source)
		}
	}
	return nil
}

// execFunc runs one command in the execution pod. Satisfied by
// (*PodRunner).Exec.
type execFunc func(context.Context, ExecOpts) (string, error)

// checkCopyBinaries verifies the image carries sh and tar, which the copy
// mechanism depends on, and names the missing one. Only a failed probe
// command means the binary is absent; transport faults and timeouts keep
// their own context.
func checkCopyBinaries(ctx context.Context, run execFunc, image string) error {
	if _, err := run(ctx, ExecOpts{Command: []string{"sh", "-c", "true"}, Buffer: true}); err != nil {
		if KindOf(err) == FailureNonZeroExit {
			return errors.Errorf(
				"image %s does not contain the sh binary, which is required for artifact copying", image)
		}
		return errors.Wrap(err, "verify sh binary for artifact copying")
	}
	if _, err := run(ctx, ExecOpts{Command: []string{"sh", "-c", "command -v tar"}, Buffer: true}); err != nil {
		if KindOf(err) == FailureNonZeroExit {
			return errors.Errorf(
				"image %s does not contain the tar binary, which is required for artifact copying", image)
		}
		return errors.Wrap(err, "verify tar binary for artifact copying")
	}
	return nil
}

func extractOne(ctx context.Context, r *PodRunner, spec ArtifactSpec, destDir string) error {
	target := filepath.Join(destDir, filepath.Clean("/"+spec.Target))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	// The glob stays unquoted so the remote shell expands it; "|| true" keeps
	// a missing source from failing the stream.
	source := strings.TrimPrefix(spec.Source, "/")
	cmd := fmt.Sprintf("cd / && tar cf - %s 2>/dev/null || true", source)

	pr, pw := io.Pipe()
	execDone := make(chan error, 1)
	go func() {
		_, err := r.Exec(ctx, ExecOpts{
			Command: []string{"sh", "-c", cmd},
			Stdout:  pw,
		})
		pw.CloseWithError(err)
		execDone <- err
	}()

	extractErr := untarStream(pr, target)
	// Drain so the exec goroutine always finishes.
	_, _ = io.Copy(io.Discard, pr)
	execErr := <-execDone

	if extractErr != nil {
		return extractErr
	}
	if execErr != nil && KindOf(execErr) == FailureNone {
		return execErr
	}
	return nil
}

// untarStream unpacks regular files and directories from tr into destDir,
// preserving directory structure and refusing path traversal.
func untarStream(src io.Reader, destDir string) error {
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// An empty or truncated stream means the source matched nothing.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		name := strings.TrimLeft(strings.TrimSpace(hdr.Name), "/")
		name = strings.TrimPrefix(name, "./")
		if name == "" || name == "." {
			continue
		}
		if strings.Contains(name, "..") {
			return fmt.Errorf("invalid tar entry name %q", hdr.Name)
		}
		target := filepath.Join(destDir, name)
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(destDir)+string(os.PathSeparator)) && filepath.Clean(target) != filepath.Clean(destDir) {
			return fmt.Errorf("invalid tar entry path %q", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(out, tr)
			closeErr := out.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return closeErr
			}
		}
	}
}
