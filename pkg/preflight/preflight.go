// Package preflight verifies the environment before a mirror job is
// accepted: the external tools the pipeline shells out to must exist,
// and the staging filesystem must have room for the images.
package preflight

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/pkg/runner"
)

// Capability names are stable strings used in check output.
const (
	CapPodman    = "tool.podman"
	CapOC        = "tool.oc"
	CapIBMPak    = "tool.oc.ibm-pak"
	CapDiskSpace = "disk.space"
)

// Check is the outcome of one probe.
type Check struct {
	Capability string `json:"capability"`
	OK         bool   `json:"ok"`
	Method     string `json:"method"`
	Detail     string `json:"detail,omitempty"`
}

// Report collects check outcomes for one preflight run.
type Report struct {
	Checks []Check `json:"checks"`
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Failed returns the capabilities of the checks that did not pass.
func (r Report) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c.Capability)
		}
	}
	return out
}

// probeTimeout bounds the ibm-pak plugin probe. The probe only prints
// help text, so anything slower than this means a broken install.
const probeTimeout = 30 * time.Second

// Checker probes for the tools a mirror job needs.
type Checker struct {
	OCBin     string
	PodmanBin string
	Run       runner.Runner
}

// Tools verifies that podman and oc are on PATH and that the ibm-pak oc
// plugin responds. All probes run even after a failure so the report
// names everything that is missing.
//
// The returned error carries PREREQUISITE_MISSING when any check failed.
func (c Checker) Tools(ctx context.Context) (Report, error) {
	rep := Report{Checks: []Check{}}

	podmanOK := c.lookPath(&rep, CapPodman, c.PodmanBin)
	ocOK := c.lookPath(&rep, CapOC, c.OCBin)

	if ocOK {
		res, err := c.Run.Run(ctx, runner.Spec{
			Command: c.OCBin,
			Args:    []string{"ibm-pak", "--help"},
			Timeout: probeTimeout,
		})
		check := Check{
			Capability: CapIBMPak,
			Method:     fmt.Sprintf("%s ibm-pak --help", c.OCBin),
			OK:         err == nil && res.ExitCode == 0,
		}
		switch {
		case err != nil:
			check.Detail = err.Error()
		case res.TimedOut:
			check.Detail = "probe timed out"
		case res.ExitCode != 0:
			check.Detail = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		rep.Checks = append(rep.Checks, check)
	} else {
		rep.Checks = append(rep.Checks, Check{
			Capability: CapIBMPak,
			Method:     "skipped",
			Detail:     "oc not found",
		})
	}

	if !podmanOK || !ocOK || !rep.OK() {
		return rep, apperrors.New(apperrors.KindPrerequisiteMissing,
			"required tools missing or broken: %v", rep.Failed())
	}
	return rep, nil
}

func (c Checker) lookPath(rep *Report, capability, bin string) bool {
	path, err := exec.LookPath(bin)
	check := Check{
		Capability: capability,
		Method:     fmt.Sprintf("lookup %s", bin),
		OK:         err == nil,
		Detail:     path,
	}
	if err != nil {
		check.Detail = err.Error()
	}
	rep.Checks = append(rep.Checks, check)
	return err == nil
}

// AvailableGB reports the free space in gigabytes on the filesystem
// holding path.
func AvailableGB(path string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	return float64(free) / (1 << 30), nil
}

// DiskSpace verifies that the filesystem holding path has at least
// minGB gigabytes free. A minGB of zero disables the check.
//
// The returned error carries DISK_SPACE_INSUFFICIENT when below the
// floor.
func DiskSpace(path string, minGB float64) (Check, error) {
	check := Check{
		Capability: CapDiskSpace,
		Method:     fmt.Sprintf("statfs %s", path),
	}
	if minGB <= 0 {
		check.OK = true
		check.Detail = "check disabled"
		return check, nil
	}

	free, err := AvailableGB(path)
	if err != nil {
		check.Detail = err.Error()
		return check, apperrors.Wrap(apperrors.KindDiskSpaceInsufficient, err,
			"cannot determine free space under %s", path)
	}
	check.Detail = fmt.Sprintf("%.1f GiB free, %.1f GiB required", free, minGB)
	if free < minGB {
		return check, apperrors.New(apperrors.KindDiskSpaceInsufficient,
			"insufficient disk space under %s: %.1f GiB free, %.1f GiB required", path, free, minGB)
	}
	check.OK = true
	return check, nil
}
