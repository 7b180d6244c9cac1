// Package jobs owns the persistent lifecycle of mirror jobs: the state
// machine, the on-disk records, and the registry that serializes all
// mutations.
package jobs

import (
	"strings"
	"time"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/pkg/catalog"
)

// Mode selects how a job mirrors its component.
type Mode string

const (
	// ModeStandard stages everything to the local filesystem cache and
	// then pushes to the final registry.
	ModeStandard Mode = "standard"
	// ModeSelective is ModeStandard restricted to images matching the
	// spec's filters.
	ModeSelective Mode = "selective"
	// ModeUpdateExisting re-mirrors a component already present in the
	// target, reusing the local cache where possible.
	ModeUpdateExisting Mode = "update-existing"
	// ModeDirectToRegistry streams straight from the source registry to
	// the target without staging to disk.
	ModeDirectToRegistry Mode = "direct-to-registry"
	// ModeDryRun runs every stage except the actual image transfer.
	ModeDryRun Mode = "dry-run"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeStandard, ModeSelective, ModeUpdateExisting, ModeDirectToRegistry, ModeDryRun:
		return true
	}
	return false
}

// StagesToDisk reports whether images are staged on the local
// filesystem, which is what makes the disk space gate relevant.
func (m Mode) StagesToDisk() bool {
	return m != ModeDirectToRegistry && m != ModeDryRun
}

// State is the lifecycle state of a job.
//
// NOTE: These values are persisted in job.json and are part of the
// stable on-disk contract.
type State string

const (
	StatePending             State = "pending"
	StateAuthenticating      State = "authenticating"
	StateFetching            State = "fetching"
	StateGeneratingManifests State = "generating_manifests"
	StateMirroring           State = "mirroring"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
	StateStopped             State = "stopped"
)

// RunOrder is the forward progression of an executing job.
var RunOrder = []State{
	StatePending,
	StateAuthenticating,
	StateFetching,
	StateGeneratingManifests,
	StateMirroring,
	StateCompleted,
}

// Terminal reports whether no further execution happens in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// CanTransition reports whether moving from one state to another is
// legal. Forward moves follow RunOrder one step at a time; any
// non-terminal state may fail or be stopped; only failed jobs may go
// back to pending on retry.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == StateFailed || to == StateStopped {
		return !from.Terminal()
	}
	if to == StatePending {
		return from == StateFailed
	}
	for i := 0; i < len(RunOrder)-1; i++ {
		if RunOrder[i] == from && RunOrder[i+1] == to {
			return true
		}
	}
	return false
}

// Spec is the operator-supplied description of what to mirror.
type Spec struct {
	// Name is unique among non-dismissed jobs and names the job's log
	// files and report.
	Name      string `json:"name"`
	Component string `json:"component"`
	// Version may be empty, in which case the latest catalogued version
	// is used.
	Version string `json:"version"`
	Mode    Mode   `json:"mode"`
	// ImageFilters restricts ModeSelective to matching image refs.
	ImageFilters []string `json:"image_filters,omitempty"`
	// FinalRegistry overrides the configured target registry.
	FinalRegistry string `json:"final_registry,omitempty"`
	// EntitlementKey authenticates against the IBM source registry. It
	// is a secret and never appears in API responses or logs.
	EntitlementKey string `json:"entitlement_key,omitempty"`
	// RegistryUsername and RegistryPassword authenticate against the
	// final registry when it requires a login. The password is a secret.
	RegistryUsername string `json:"registry_username,omitempty"`
	RegistryPassword string `json:"registry_password,omitempty"`
	// NotifyEmail, when set, receives start/completion mail for this job
	// in addition to any globally configured recipient.
	NotifyEmail string `json:"notify_email,omitempty"`
}

const secretMask = "****"

// Redacted returns a copy safe for API responses and logs.
func (s Spec) Redacted() Spec {
	out := s
	if out.EntitlementKey != "" {
		out.EntitlementKey = secretMask
	}
	if out.RegistryPassword != "" {
		out.RegistryPassword = secretMask
	}
	return out
}

// nameMaxLen bounds job names so they stay usable as file name stems.
const nameMaxLen = 128

// Validate checks the spec and resolves an empty version against the
// catalog. All failures carry INVALID_SPEC.
func (s *Spec) Validate(cat *catalog.Catalog) error {
	if strings.TrimSpace(s.Name) == "" {
		return apperrors.New(apperrors.KindInvalidSpec, "name is required")
	}
	if len(s.Name) > nameMaxLen || strings.ContainsAny(s.Name, "/\\ \t\n") {
		return apperrors.New(apperrors.KindInvalidSpec,
			"name %q must be at most %d characters with no spaces or path separators", s.Name, nameMaxLen)
	}
	if strings.TrimSpace(s.Component) == "" {
		return apperrors.New(apperrors.KindInvalidSpec, "component is required")
	}
	if !s.Mode.Valid() {
		return apperrors.New(apperrors.KindInvalidSpec, "unknown mode %q", s.Mode)
	}
	if s.Mode != ModeSelective && len(s.ImageFilters) > 0 {
		return apperrors.New(apperrors.KindInvalidSpec, "image_filters are only valid in selective mode")
	}
	if _, err := catalog.NewFilter(s.ImageFilters); err != nil {
		return err
	}
	if s.Mode != ModeDryRun && strings.TrimSpace(s.EntitlementKey) == "" {
		return apperrors.New(apperrors.KindInvalidSpec, "entitlement_key is required outside dry-run mode")
	}
	version, err := cat.Resolve(s.Component, s.Version)
	if err != nil {
		return err
	}
	s.Version = version
	return nil
}

// StageEvent is one entry in a job's stage history. Every attempt of a
// stage gets its own entry, so a stage that failed twice and then
// succeeded contributes three.
type StageEvent struct {
	Stage State `json:"stage"`
	// Attempt is 1-based within the stage.
	Attempt   int        `json:"attempt"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	// Outcome is "completed", "failed" or "stopped"; empty while the
	// attempt is running.
	Outcome string `json:"outcome,omitempty"`
}

// Progress is a coarse estimate derived from tool output during the
// mirror stage. BlobsCopied counts progress markers and may slightly
// overshoot TotalImages when the tool re-emits a marker.
type Progress struct {
	BlobsCopied int `json:"blobs_copied"`
	// TotalImages is the generated mapping's line count.
	TotalImages int `json:"total_images"`
	// FailedImages holds the error marker lines the mirror tool emitted,
	// one per image it could not transfer.
	FailedImages []string  `json:"failed_images,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Record is the persistent state of one job, written to job.json.
//
// The schema is designed for backward-compatible extension (additive
// fields).
type Record struct {
	ID    string `json:"id"`
	Spec  Spec   `json:"spec"`
	State State  `json:"state"`
	// Dismissed hides a terminal job from default listings and frees
	// its name for reuse. The record itself is kept.
	Dismissed    bool         `json:"dismissed,omitempty"`
	StageHistory []StageEvent `json:"stage_history"`
	RetryCount   int          `json:"retry_count"`
	// PID is the currently running external tool process, zero when
	// none is active.
	PID     int    `json:"pid,omitempty"`
	WorkDir string `json:"work_dir"`
	// MappingFile is the image mapping produced by the manifest stage,
	// relative paths resolved under WorkDir's job tree.
	MappingFile string    `json:"mapping_file,omitempty"`
	Progress    *Progress `json:"progress,omitempty"`

	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Name is a convenience accessor for the spec name.
func (r *Record) Name() string {
	return r.Spec.Name
}

// Redacted returns a copy safe for API responses.
func (r Record) Redacted() Record {
	r.Spec = r.Spec.Redacted()
	return r
}

// Duration returns elapsed wall time, using now for jobs still running.
func (r *Record) Duration(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := now
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	return end.Sub(*r.StartedAt)
}
