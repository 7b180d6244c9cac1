package jobs

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/pkg/catalog"
	"github.com/packmirror/packmirror/pkg/logstore"
	"github.com/packmirror/packmirror/pkg/preflight"
)

// Handle is the supervisor's view of one job. All record mutations go
// through Update, which serializes writers and persists each change
// before it becomes visible.
type Handle interface {
	ID() string
	Snapshot() Record
	Update(fn func(*Record) error) (Record, error)
	Logs() *logstore.Store
	// StopRequested reports whether an operator asked this job to stop.
	// The job's context is cancelled at the same time.
	StopRequested() bool
}

// SupervisorFunc drives one job from pending to a terminal state. The
// registry launches it on its own goroutine; ctx is cancelled on stop
// requests and on registry shutdown.
type SupervisorFunc func(ctx context.Context, job Handle)

// Options configures a Registry.
type Options struct {
	RootDir string
	// MinDiskGB gates job creation for modes that stage images to disk.
	// Zero disables the gate.
	MinDiskGB  float64
	Catalog    *catalog.Catalog
	Supervisor SupervisorFunc
	Logger     *zap.Logger
}

// Registry is the single authority over job records. Every mutation
// happens under its lock and is persisted before the call returns.
type Registry struct {
	store      *Store
	cat        *catalog.Catalog
	minDiskGB  float64
	supervisor SupervisorFunc
	log        *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*managed
	byName map[string]string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type managed struct {
	reg    *Registry
	rec    Record
	logs   *logstore.Store
	cancel context.CancelFunc

	stopMu        sync.Mutex
	stopRequested bool
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.RootDir == "" {
		return nil, fmt.Errorf("jobs root dir is required")
	}
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:      NewStore(opts.RootDir),
		cat:        cat,
		minDiskGB:  opts.MinDiskGB,
		supervisor: opts.Supervisor,
		log:        log,
		jobs:       make(map[string]*managed),
		byName:     make(map[string]string),
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// Store exposes the underlying sidecar store, mainly for handlers that
// need direct access to job log files.
func (r *Registry) Store() *Store {
	return r.store
}

// Create validates the spec, gates on disk space for staging modes,
// persists the new record and launches its supervisor. The returned
// record is already pending.
func (r *Registry) Create(ctx context.Context, spec Spec) (Record, error) {
	if err := spec.Validate(r.cat); err != nil {
		return Record{}, err
	}

	if spec.Mode.StagesToDisk() && r.minDiskGB > 0 {
		if err := os.MkdirAll(r.store.RootDir(), 0o755); err != nil {
			return Record{}, fmt.Errorf("create jobs root: %w", err)
		}
		if _, err := preflight.DiskSpace(r.store.RootDir(), r.minDiskGB); err != nil {
			return Record{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if otherID, taken := r.byName[spec.Name]; taken {
		return Record{}, apperrors.New(apperrors.KindDuplicateName,
			"name %q is already used by job %s", spec.Name, otherID)
	}

	id := uuid.NewString()
	rec := Record{
		ID:           id,
		Spec:         spec,
		State:        StatePending,
		StageHistory: []StageEvent{},
		WorkDir:      r.store.JobDir(id),
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.Write(&rec); err != nil {
		return Record{}, fmt.Errorf("persist job: %w", err)
	}

	m := &managed{reg: r, rec: rec, logs: r.store.Logs(&rec)}
	r.jobs[id] = m
	r.byName[spec.Name] = id
	r.launchLocked(m)

	r.log.Info("Job created",
		zap.String("job_id", id),
		zap.String("name", spec.Name),
		zap.String("component", spec.Component),
		zap.String("version", spec.Version),
		zap.String("mode", string(spec.Mode)))
	return rec.Redacted(), nil
}

// launchLocked starts the supervisor goroutine for m. Callers hold r.mu.
func (r *Registry) launchLocked(m *managed) {
	ctx, cancel := context.WithCancel(r.baseCtx)
	m.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.supervisor(ctx, m)
	}()
}

func (r *Registry) get(id string) (*managed, error) {
	m, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindJobNotFound, "job %s not found", id)
	}
	return m, nil
}

// Get returns a redacted snapshot of one job.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.get(id)
	if err != nil {
		return Record{}, err
	}
	return m.rec.Redacted(), nil
}

// ListFilter narrows List output. Zero value means every non-dismissed
// job.
type ListFilter struct {
	States           []State
	Name             string
	IncludeDismissed bool
}

func (f ListFilter) match(rec *Record) bool {
	if rec.Dismissed && !f.IncludeDismissed {
		return false
	}
	if f.Name != "" && rec.Name() != f.Name {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if rec.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List returns redacted snapshots, newest first.
func (r *Registry) List(f ListFilter) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.jobs))
	for _, m := range r.jobs {
		if f.match(&m.rec) {
			out = append(out, m.rec.Redacted())
		}
	}
	sortRecords(out)
	return out
}

// RequestStop asks a running job to stop. The job transitions to
// stopped only once its supervisor has confirmed the subprocess exited,
// so callers should poll the record rather than assume immediacy.
func (r *Registry) RequestStop(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.get(id)
	if err != nil {
		return Record{}, err
	}
	if m.rec.State.Terminal() {
		return Record{}, apperrors.New(apperrors.KindInvalidStateTransition,
			"job %s is already %s", id, m.rec.State)
	}

	m.stopMu.Lock()
	m.stopRequested = true
	m.stopMu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	r.log.Info("Stop requested", zap.String("job_id", id), zap.String("state", string(m.rec.State)))
	return m.rec.Redacted(), nil
}

// Dismiss hides a terminal job from default listings and frees its
// name. Dismissing an already dismissed job is a no-op.
func (r *Registry) Dismiss(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.get(id)
	if err != nil {
		return Record{}, err
	}
	if m.rec.Dismissed {
		return m.rec.Redacted(), nil
	}
	if !m.rec.State.Terminal() {
		return Record{}, apperrors.New(apperrors.KindInvalidStateTransition,
			"job %s is %s and must reach a terminal state before dismissal", id, m.rec.State)
	}

	m.rec.Dismissed = true
	if err := r.store.Write(&m.rec); err != nil {
		m.rec.Dismissed = false
		return Record{}, fmt.Errorf("persist job: %w", err)
	}
	if r.byName[m.rec.Name()] == id {
		delete(r.byName, m.rec.Name())
	}
	return m.rec.Redacted(), nil
}

// SpecOverrides are the per-retry adjustable parts of a job's config
// snapshot. Non-zero fields replace the original values; job identity
// (name, component, version, mode) never changes across retries.
type SpecOverrides struct {
	EntitlementKey   string   `json:"entitlement_key,omitempty"`
	RegistryUsername string   `json:"registry_username,omitempty"`
	RegistryPassword string   `json:"registry_password,omitempty"`
	FinalRegistry    string   `json:"final_registry,omitempty"`
	NotifyEmail      string   `json:"notify_email,omitempty"`
	ImageFilters     []string `json:"image_filters,omitempty"`
}

func (o SpecOverrides) apply(spec Spec) Spec {
	if o.EntitlementKey != "" {
		spec.EntitlementKey = o.EntitlementKey
	}
	if o.RegistryUsername != "" {
		spec.RegistryUsername = o.RegistryUsername
	}
	if o.RegistryPassword != "" {
		spec.RegistryPassword = o.RegistryPassword
	}
	if o.FinalRegistry != "" {
		spec.FinalRegistry = o.FinalRegistry
	}
	if o.NotifyEmail != "" {
		spec.NotifyEmail = o.NotifyEmail
	}
	if len(o.ImageFilters) > 0 {
		spec.ImageFilters = o.ImageFilters
	}
	return spec
}

// Retry restarts a failed job from the beginning, merging overrides
// into its config snapshot. Identity, name and working directory are
// preserved; stage history and failure details are reset and the retry
// counter is incremented. A dismissed failed job becomes visible again,
// which requires its name to still be free.
func (r *Registry) Retry(id string, overrides SpecOverrides) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.get(id)
	if err != nil {
		return Record{}, err
	}
	if !CanTransition(m.rec.State, StatePending) {
		return Record{}, apperrors.New(apperrors.KindInvalidStateTransition,
			"job %s is %s; only failed jobs can be retried", id, m.rec.State)
	}
	if m.rec.Dismissed {
		if otherID, taken := r.byName[m.rec.Name()]; taken && otherID != id {
			return Record{}, apperrors.New(apperrors.KindDuplicateName,
				"name %q was reused by job %s after dismissal", m.rec.Name(), otherID)
		}
	}

	merged := overrides.apply(m.rec.Spec)
	if err := merged.Validate(r.cat); err != nil {
		return Record{}, err
	}

	prev := m.rec
	m.rec.Spec = merged
	m.rec.State = StatePending
	m.rec.Dismissed = false
	m.rec.StageHistory = []StageEvent{}
	m.rec.RetryCount++
	m.rec.FailureCode = ""
	m.rec.FailureMessage = ""
	m.rec.PID = 0
	m.rec.MappingFile = ""
	m.rec.Progress = nil
	m.rec.StartedAt = nil
	m.rec.EndedAt = nil
	if err := r.store.Write(&m.rec); err != nil {
		m.rec = prev
		return Record{}, fmt.Errorf("persist job: %w", err)
	}
	r.byName[m.rec.Name()] = id

	m.stopMu.Lock()
	m.stopRequested = false
	m.stopMu.Unlock()
	r.launchLocked(m)

	r.log.Info("Job retried",
		zap.String("job_id", id),
		zap.Int("retry_count", m.rec.RetryCount))
	return m.rec.Redacted(), nil
}

// recoverConcurrency bounds parallel sidecar reads during startup.
const recoverConcurrency = 8

// Recover loads persisted jobs after a restart. Jobs that were mid-run
// when the previous process died are marked failed; their external
// processes did not survive the supervisor, and a stale one that did is
// reported but never re-attached.
func (r *Registry) Recover(ctx context.Context) error {
	records, err := r.store.List()
	if err != nil {
		return fmt.Errorf("scan jobs root: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverConcurrency)
	recovered := make([]*Record, len(records))
	for i := range records {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec := records[i]
			if !rec.State.Terminal() {
				r.markInterrupted(&rec)
				if err := r.store.Write(&rec); err != nil {
					return fmt.Errorf("persist recovered job %s: %w", rec.ID, err)
				}
			}
			recovered[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recovered {
		if rec == nil {
			continue
		}
		if _, exists := r.jobs[rec.ID]; exists {
			continue
		}
		r.jobs[rec.ID] = &managed{reg: r, rec: *rec, logs: r.store.Logs(rec)}
		if !rec.Dismissed {
			r.byName[rec.Name()] = rec.ID
		}
	}
	r.log.Info("Jobs recovered", zap.Int("count", len(records)))
	return nil
}

func (r *Registry) markInterrupted(rec *Record) {
	if rec.PID > 0 && isProcessAlive(rec.PID) {
		r.log.Warn("Stale job process still alive after restart",
			zap.String("job_id", rec.ID), zap.Int("pid", rec.PID))
	}
	now := time.Now().UTC()
	rec.State = StateFailed
	rec.FailureCode = string(apperrors.KindInternal)
	rec.FailureMessage = "interrupted by service restart"
	rec.PID = 0
	rec.EndedAt = &now
	if n := len(rec.StageHistory); n > 0 && rec.StageHistory[n-1].EndedAt == nil {
		rec.StageHistory[n-1].EndedAt = &now
		rec.StageHistory[n-1].Outcome = "failed"
	}
}

// Shutdown cancels every running supervisor and waits for them to
// finish, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without sending anything.
	return p.Signal(syscall.Signal(0)) == nil
}

// managed implements Handle.

func (m *managed) ID() string {
	return m.rec.ID
}

func (m *managed) Snapshot() Record {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return m.rec
}

func (m *managed) Logs() *logstore.Store {
	return m.logs
}

func (m *managed) StopRequested() bool {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	return m.stopRequested
}

// Update mutates the record under the registry lock, persisting before
// the change becomes visible. Illegal state transitions are rejected
// and leave the record untouched.
func (m *managed) Update(fn func(*Record) error) (Record, error) {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()

	next := m.rec
	next.StageHistory = append([]StageEvent(nil), m.rec.StageHistory...)
	if m.rec.Progress != nil {
		progress := *m.rec.Progress
		progress.FailedImages = append([]string(nil), m.rec.Progress.FailedImages...)
		next.Progress = &progress
	}
	if err := fn(&next); err != nil {
		return Record{}, err
	}
	if next.State != m.rec.State && !CanTransition(m.rec.State, next.State) {
		return Record{}, apperrors.New(apperrors.KindInvalidStateTransition,
			"cannot transition job %s from %s to %s", m.rec.ID, m.rec.State, next.State)
	}
	if err := m.reg.store.Write(&next); err != nil {
		return Record{}, fmt.Errorf("persist job: %w", err)
	}
	m.rec = next
	return next, nil
}
