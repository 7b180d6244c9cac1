// Package pipeline drives one mirror job through its stages by shelling
// out to podman and the oc ibm-pak tooling. It implements the
// jobs.SupervisorFunc contract: given a job handle it runs until the
// job reaches a terminal state, persisting every transition as it goes.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/pkg/catalog"
	"github.com/packmirror/packmirror/pkg/jobs"
	"github.com/packmirror/packmirror/pkg/logstore"
	"github.com/packmirror/packmirror/pkg/notify"
	"github.com/packmirror/packmirror/pkg/preflight"
	"github.com/packmirror/packmirror/pkg/report"
	"github.com/packmirror/packmirror/pkg/retry"
	"github.com/packmirror/packmirror/pkg/runner"
)

// Config carries the environment-level settings stages need.
type Config struct {
	// SourceRegistry is the entitled registry images come from.
	SourceRegistry string
	// FinalRegistry is the default mirror target; a job spec may
	// override it.
	FinalRegistry string
	// RegistryAuthFile, when set, is exported to the tools as
	// REGISTRY_AUTH_FILE so logins and mirrors share credentials.
	RegistryAuthFile string
	// MaxPerRegistry caps concurrent transfers per registry.
	MaxPerRegistry int
	// StageTimeout bounds every stage command except the mirror itself.
	StageTimeout time.Duration
	// MirrorTimeout bounds the oc image mirror invocation, which moves
	// hundreds of gigabytes on a standard job.
	MirrorTimeout time.Duration
	OCBin         string
	PodmanBin     string
}

// Pipeline is a reusable stage driver; one instance supervises every
// job in the process.
type Pipeline struct {
	cfg      Config
	run      runner.Runner
	policy   retry.Policy
	notifier notify.Notifier
	log      *zap.Logger
}

func New(cfg Config, run runner.Runner, policy retry.Policy, notifier notify.Notifier, log *zap.Logger) *Pipeline {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, run: run, policy: policy, notifier: notifier, log: log}
}

type stage struct {
	state jobs.State
	fn    func(p *Pipeline, ctx context.Context, jc *jobContext) error
	// policy overrides the pipeline's retry policy when MaxAttempts is
	// set.
	policy retry.Policy
	// recover, when set, is consulted after the retry budget is spent;
	// returning true downgrades the failure and the pipeline continues.
	recover func(p *Pipeline, jc *jobContext, cause error) bool
}

// jobContext bundles everything stage functions need for one run.
type jobContext struct {
	p    *Pipeline
	job  jobs.Handle
	spec jobs.Spec
	dir  string
	logs *logstore.Store
	// mappingFile is set by the manifest stage and consumed by the
	// mirror stage.
	mappingFile string
}

func (jc *jobContext) appLog(format string, args ...any) {
	if err := jc.logs.Appendf(logstore.StreamApp, format, args...); err != nil {
		jc.p.log.Warn("App log append failed", zap.String("job_id", jc.job.ID()), zap.Error(err))
	}
}

// Supervise runs the job to a terminal state. It is safe to run many
// supervisions concurrently on one Pipeline.
func (p *Pipeline) Supervise(ctx context.Context, job jobs.Handle) {
	rec := job.Snapshot()
	jc := &jobContext{
		p:    p,
		job:  job,
		spec: rec.Spec,
		dir:  rec.WorkDir,
		logs: job.Logs(),
	}
	log := p.log.With(zap.String("job_id", job.ID()), zap.String("name", rec.Name()))

	started, err := job.Update(func(r *jobs.Record) error {
		now := time.Now().UTC()
		r.StartedAt = &now
		return nil
	})
	if err != nil {
		log.Error("Cannot mark job started", zap.Error(err))
		return
	}

	event := notify.EventStarted
	if started.RetryCount > 0 {
		event = notify.EventResumed
	}
	jc.appLog("Job %s for %s %s (mode %s, attempt series %d)",
		strings.ToLower(string(event)), jc.spec.Component, jc.spec.Version, jc.spec.Mode, started.RetryCount+1)
	p.send(ctx, event, started, "")

	// Missing tools are an environment defect, not a transient fault,
	// so this check is fatal without touching the retry budget.
	checker := preflight.Checker{OCBin: p.cfg.OCBin, PodmanBin: p.cfg.PodmanBin, Run: p.run}
	if rep, err := checker.Tools(ctx); err != nil {
		for _, c := range rep.Checks {
			jc.appLog("preflight %s: ok=%v %s", c.Capability, c.OK, c.Detail)
		}
		p.finish(ctx, jc, log, err)
		return
	}
	jc.appLog("Preflight checks passed")

	// The mirror tool retries per-image on its own; the supervisor only
	// re-runs a wholesale process crash, and only once.
	mirrorPolicy := retry.Policy{BaseDelay: p.policy.BaseDelay, MaxAttempts: 2}
	stages := []stage{
		{state: jobs.StateAuthenticating, fn: (*Pipeline).authenticate},
		{state: jobs.StateFetching, fn: (*Pipeline).fetch, recover: (*Pipeline).fetchFromCache},
		{state: jobs.StateGeneratingManifests, fn: (*Pipeline).generateManifests},
		{state: jobs.StateMirroring, fn: (*Pipeline).mirror, policy: mirrorPolicy},
	}
	for _, st := range stages {
		if err := p.runStage(ctx, jc, st); err != nil {
			p.finish(ctx, jc, log, err)
			return
		}
	}

	done, err := job.Update(func(r *jobs.Record) error {
		now := time.Now().UTC()
		r.State = jobs.StateCompleted
		r.EndedAt = &now
		r.PID = 0
		return nil
	})
	if err != nil {
		log.Error("Cannot mark job completed", zap.Error(err))
		return
	}
	jc.appLog("Job completed")
	if path, err := report.Write(done); err != nil {
		log.Warn("Summary report write failed", zap.Error(err))
	} else {
		jc.appLog("Summary report written to %s", filepath.Base(path))
	}
	p.send(ctx, notify.EventCompleted, done, "")
	log.Info("Job completed", zap.Duration("duration", done.Duration(time.Now().UTC())))
}

// runStage transitions into st.state and runs its function under the
// retry policy. Every attempt gets its own stage history entry, so a
// stage that failed twice and then succeeded leaves three.
func (p *Pipeline) runStage(ctx context.Context, jc *jobContext, st stage) error {
	if _, err := jc.job.Update(func(r *jobs.Record) error {
		r.State = st.state
		return nil
	}); err != nil {
		return err
	}
	jc.appLog("Stage %s started", st.state)

	policy := p.policy
	if st.policy.MaxAttempts > 0 {
		policy = st.policy
	}
	attempts := 0
	err := retry.Do(ctx, policy, func(attempt int) error {
		attempts = attempt
		if attempt > 1 {
			jc.appLog("Stage %s retry, attempt %d/%d", st.state, attempt, policy.MaxAttempts)
		}
		if _, uerr := jc.job.Update(func(r *jobs.Record) error {
			r.StageHistory = append(r.StageHistory, jobs.StageEvent{
				Stage:     st.state,
				Attempt:   attempt,
				StartedAt: time.Now().UTC(),
			})
			return nil
		}); uerr != nil {
			return retry.Permanent(uerr)
		}

		aerr := st.fn(p, ctx, jc)

		outcome := "completed"
		if aerr != nil {
			outcome = "failed"
			if jc.job.StopRequested() {
				outcome = "stopped"
			}
		}
		_, _ = jc.job.Update(func(r *jobs.Record) error {
			closeStage(r, outcome)
			return nil
		})
		return aerr
	})
	if err == nil {
		jc.appLog("Stage %s completed after %d attempt(s)", st.state, attempts)
		return nil
	}
	// The failed attempts stay in the stage history even when the
	// fallback lets the pipeline continue.
	if st.recover != nil && ctx.Err() == nil && !jc.job.StopRequested() && st.recover(p, jc, err) {
		return nil
	}
	return err
}

func closeStage(r *jobs.Record, outcome string) {
	now := time.Now().UTC()
	if n := len(r.StageHistory); n > 0 && r.StageHistory[n-1].EndedAt == nil {
		r.StageHistory[n-1].EndedAt = &now
		r.StageHistory[n-1].Outcome = outcome
	}
}

// finish moves the job to failed or stopped, writes the summary report
// and notifies.
func (p *Pipeline) finish(ctx context.Context, jc *jobContext, log *zap.Logger, cause error) {
	stopped := jc.job.StopRequested()

	kind := apperrors.KindOf(cause)
	msg := "interrupted by service shutdown"
	if cause != nil && ctx.Err() == nil {
		msg = cause.Error()
	}

	done, err := jc.job.Update(func(r *jobs.Record) error {
		now := time.Now().UTC()
		r.EndedAt = &now
		r.PID = 0
		if stopped {
			r.State = jobs.StateStopped
			closeStage(r, "stopped")
		} else {
			r.State = jobs.StateFailed
			r.FailureCode = string(kind)
			r.FailureMessage = msg
			closeStage(r, "failed")
		}
		return nil
	})
	if err != nil {
		log.Error("Cannot finalize job", zap.Error(err))
		return
	}

	// Notifications and the report must not depend on the dying job
	// context.
	bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if stopped {
		jc.appLog("Job stopped by operator request")
		log.Info("Job stopped")
		p.send(bg, notify.EventStopped, done, "")
	} else {
		jc.appLog("Job failed: %s: %s", done.FailureCode, done.FailureMessage)
		log.Warn("Job failed", zap.String("failure_code", done.FailureCode), zap.String("failure_message", done.FailureMessage))
		p.send(bg, notify.EventFailed, done, done.FailureMessage)
	}
	if _, err := report.Write(done); err != nil {
		log.Warn("Summary report write failed", zap.Error(err))
	}
}

func (p *Pipeline) send(ctx context.Context, event notify.Event, rec jobs.Record, msg string) {
	n := notify.Notification{Event: event, Job: rec.Redacted(), Message: msg, At: time.Now().UTC()}
	if err := p.notifier.Notify(ctx, n); err != nil {
		p.log.Warn("Notification failed", zap.String("job_id", rec.ID), zap.Error(err))
	}
}

// execStage runs one tool invocation with the job's bookkeeping: the
// pid is tracked while the process lives and tool output lands in the
// given stream.
func (p *Pipeline) execStage(ctx context.Context, jc *jobContext, stream logstore.Stream, spec runner.Spec) (runner.Result, error) {
	w := jc.logs.Writer(stream)
	defer w.Close()
	if spec.Output == nil {
		spec.Output = w
	}
	spec.Started = func(pid int) {
		_, _ = jc.job.Update(func(r *jobs.Record) error {
			r.PID = pid
			return nil
		})
	}
	jc.appLog("Executing: %s", runner.RedactedString(spec))

	res, err := p.run.Run(ctx, spec)

	_, _ = jc.job.Update(func(r *jobs.Record) error {
		r.PID = 0
		return nil
	})
	if err != nil {
		return res, err
	}
	if res.TimedOut {
		return res, apperrors.New(apperrors.KindTimedOut,
			"%s timed out after %s", spec.Command, spec.Timeout)
	}
	return res, nil
}

// authenticate logs in to the source registry with the entitlement key
// and, when credentials are present, to the final registry.
func (p *Pipeline) authenticate(ctx context.Context, jc *jobContext) error {
	// Only dry-run jobs may omit the key; they still log in when one
	// was supplied, so a bad key surfaces before a real run.
	if jc.spec.EntitlementKey == "" {
		jc.appLog("No entitlement key supplied, proceeding with existing credentials")
		return nil
	}

	res, err := p.execStage(ctx, jc, logstore.StreamApp, runner.Spec{
		Command:  p.cfg.PodmanBin,
		Args:     []string{"login", p.cfg.SourceRegistry, "-u", "cp", "-p", jc.spec.EntitlementKey},
		Redacted: []int{5},
		Env:      p.toolEnv(),
		Timeout:  p.cfg.StageTimeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.New(apperrors.KindAuthenticationFailure,
			"login to %s failed with exit code %d; check the entitlement key", p.cfg.SourceRegistry, res.ExitCode)
	}

	if jc.spec.RegistryUsername != "" {
		target := jc.finalRegistry(p.cfg)
		res, err := p.execStage(ctx, jc, logstore.StreamApp, runner.Spec{
			Command:  p.cfg.PodmanBin,
			Args:     []string{"login", target, "-u", jc.spec.RegistryUsername, "-p", jc.spec.RegistryPassword, "--tls-verify=false"},
			Redacted: []int{5},
			Env:      p.toolEnv(),
			Timeout:  p.cfg.StageTimeout,
		})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return apperrors.New(apperrors.KindAuthenticationFailure,
				"login to %s failed with exit code %d", target, res.ExitCode)
		}
	}
	return nil
}

// fetch downloads the CASE archive.
func (p *Pipeline) fetch(ctx context.Context, jc *jobContext) error {
	res, err := p.execStage(ctx, jc, logstore.StreamApp, runner.Spec{
		Command: p.cfg.OCBin,
		Args:    []string{"ibm-pak", "get", jc.spec.Component, "--version", jc.spec.Version, "--skip-dependencies"},
		Env:     p.toolEnv(),
		Dir:     jc.dir,
		Timeout: p.cfg.StageTimeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.New(apperrors.KindSubprocessExit,
			"oc ibm-pak get %s exited with code %d", jc.spec.Component, res.ExitCode)
	}
	return nil
}

// fetchFromCache downgrades an exhausted fetch failure to a warning
// when a previous run left the component in the local ibm-pak cache.
func (p *Pipeline) fetchFromCache(jc *jobContext, cause error) bool {
	if !dirExists(jc.cacheDir()) {
		return false
	}
	jc.appLog("CASE download failed (%v) but a cached copy exists under %s, continuing", cause, jc.cacheDir())
	return true
}

// generateManifests produces the image mapping for the selected mode
// and applies selective filters to it.
func (p *Pipeline) generateManifests(ctx context.Context, jc *jobContext) error {
	target := jc.finalRegistry(p.cfg)
	args := []string{"ibm-pak", "generate", "mirror-manifests", jc.spec.Component, target, "--version", jc.spec.Version}
	if jc.spec.Mode.StagesToDisk() || jc.spec.Mode == jobs.ModeDryRun {
		args = append(args, "--filter-registry", "file://local")
	}

	res, err := p.execStage(ctx, jc, logstore.StreamApp, runner.Spec{
		Command: p.cfg.OCBin,
		Args:    args,
		Env:     p.toolEnv(),
		Dir:     jc.dir,
		Timeout: p.cfg.StageTimeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.New(apperrors.KindSubprocessExit,
			"oc ibm-pak generate mirror-manifests exited with code %d", res.ExitCode)
	}

	mapping := filepath.Join(jc.cacheDir(), mappingFileName(jc.spec.Mode))
	if !dirExists(jc.cacheDir()) || !fileExists(mapping) {
		return apperrors.New(apperrors.KindSubprocessExit,
			"mirror manifests missing after generation: %s", mapping)
	}

	if jc.spec.Mode == jobs.ModeSelective {
		filtered, err := jc.applyFilters(mapping)
		if err != nil {
			return retry.Permanent(err)
		}
		mapping = filtered
	}
	jc.mappingFile = mapping

	// The mapping line count is the total-images denominator for the
	// mirror stage's progress estimate.
	total := countMappingEntries(mapping)
	if _, err := jc.job.Update(func(r *jobs.Record) error {
		r.MappingFile = mapping
		if r.Progress == nil {
			r.Progress = &jobs.Progress{}
		}
		r.Progress.TotalImages = total
		r.Progress.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return retry.Permanent(err)
	}
	return nil
}

func countMappingEntries(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	total := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			total++
		}
	}
	return total
}

// mirror runs the long transfer. Tool output goes to the mirror stream
// and feeds the blob progress estimate.
func (p *Pipeline) mirror(ctx context.Context, jc *jobContext) error {
	w := jc.logs.Writer(logstore.StreamMirror)
	defer w.Close()
	progress := newProgressWriter(w, jc.job)

	args := []string{
		"image", "mirror",
		"-f", jc.mappingFile,
		"--filter-by-os", ".*",
		"--insecure",
		fmt.Sprintf("--max-per-registry=%d", p.cfg.MaxPerRegistry),
		"--continue-on-error=true",
	}
	if jc.spec.Mode == jobs.ModeDryRun {
		args = append(args, "--dry-run")
	}

	res, err := p.execStage(ctx, jc, logstore.StreamMirror, runner.Spec{
		Command: p.cfg.OCBin,
		Args:    args,
		Env:     p.toolEnv(),
		Dir:     jc.dir,
		Timeout: p.cfg.MirrorTimeout,
		Output:  progress,
	})
	progress.Flush()
	jc.appLog("Mirror finished with %d blobs copied", progress.Count())
	if n := progress.FailedCount(); n > 0 {
		jc.appLog("Mirror reported %d failed image(s), see the mirror log", n)
	}
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.New(apperrors.KindSubprocessExit,
			"oc image mirror exited with code %d", res.ExitCode)
	}
	return nil
}

// toolEnv is the environment shared by every tool invocation. IBMPAK
// home is pinned inside the job's working directory so concurrent jobs
// never share CASE state.
func (p *Pipeline) toolEnv() []string {
	env := []string{}
	if p.cfg.RegistryAuthFile != "" {
		env = append(env, "REGISTRY_AUTH_FILE="+p.cfg.RegistryAuthFile)
	}
	return env
}

func (jc *jobContext) finalRegistry(cfg Config) string {
	if jc.spec.FinalRegistry != "" {
		return jc.spec.FinalRegistry
	}
	return cfg.FinalRegistry
}

// cacheDir is where ibm-pak leaves the mirror manifests for this
// component and version.
func (jc *jobContext) cacheDir() string {
	return filepath.Join(jc.dir, ".ibm-pak", "data", "mirror", jc.spec.Component, jc.spec.Version)
}

// mappingFileName follows the ibm-pak naming convention: a direct
// registry-to-registry mirror uses the plain mapping, everything else
// stages through the filesystem.
func mappingFileName(mode jobs.Mode) string {
	if mode == jobs.ModeDirectToRegistry {
		return "images-mapping.txt"
	}
	return "images-mapping-to-filesystem.txt"
}

// applyFilters writes the filtered mapping file next to the job's logs
// and returns its path. Matching zero images is a spec problem, not a
// transient fault.
func (jc *jobContext) applyFilters(mapping string) (string, error) {
	f, err := catalog.NewFilter(jc.spec.ImageFilters)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(mapping)
	if err != nil {
		return "", fmt.Errorf("read mapping file: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	kept := f.Apply(lines)
	if len(kept) == 0 {
		return "", apperrors.New(apperrors.KindInvalidSpec,
			"image filters matched none of the %d mapping entries", len(lines))
	}
	jc.appLog("Selective filter kept %d of %d images", len(kept), len(lines))

	out := filepath.Join(jc.dir, fmt.Sprintf("%s-images-mapping.txt", jc.spec.Name))
	if err := os.WriteFile(out, []byte(strings.Join(kept, "\n")+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write filtered mapping: %w", err)
	}
	return out, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
