package domain

// Build states. needs_build is both the initial state and the reset target of
// crash recovery; success and failed are terminal.
const (
	BuildStateNeedsBuild = "needs_build"
	BuildStateScheduled  = "scheduled"
	BuildStateBuilding   = "building"
	BuildStateSuccess    = "success"
	BuildStateFailed     = "failed"
)

// BuildKindPackage marks package-build jobs; only these participate in the
// scheduler state machine.
const BuildKindPackage = "package"

// Publish channels of the repository-publishing collaborator.
const (
	ChannelStable   = "stable"
	ChannelUnstable = "unstable"
)

type Project struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	IsBaseMirror bool   `json:"is_basemirror"`
	CreatedAt    string `json:"created_at"`
}

type ProjectVersion struct {
	ID              int64    `json:"id"`
	ProjectID       int64    `json:"project_id"`
	ProjectName     string   `json:"project_name"`
	Name            string   `json:"name"`
	BasemirrorID    *int64   `json:"basemirror_id,omitempty"`
	Architectures   []string `json:"architectures"`
	IsLocked        bool     `json:"is_locked"`
	IsDeleted       bool     `json:"is_deleted"`
	CIBuildsEnabled bool     `json:"ci_builds_enabled"`
	CreatedAt       string   `json:"created_at"`
}

// Fullname is the "project/version" form used in messages and listings.
func (pv ProjectVersion) Fullname() string {
	return pv.ProjectName + "/" + pv.Name
}

type SourceRepository struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SourceRepoLink is the payload-bearing association between a source
// repository and a project version; each pair carries its own architecture
// subset.
type SourceRepoLink struct {
	SourceRepositoryID int64    `json:"sourcerepository_id"`
	ProjectVersionID   int64    `json:"projectversion_id"`
	Architectures      []string `json:"architectures"`
}

type Build struct {
	ID               int64  `json:"id"`
	ParentID         *int64 `json:"parent_id,omitempty"`
	Kind             string `json:"kind"`
	State            string `json:"state"`
	IsCI             bool   `json:"is_ci"`
	Version          string `json:"version"`
	SourceName       string `json:"sourcename"`
	Architecture     string `json:"architecture,omitempty"`
	ProjectVersionID *int64 `json:"projectversion_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// BuildTask marks an in-flight execution attempt. Its presence is the source
// of truth for "this build is currently believed to be running".
type BuildTask struct {
	ID      int64  `json:"id"`
	BuildID int64  `json:"build_id"`
	Token   string `json:"token"`
}

type LogLine struct {
	ID      int64  `json:"id"`
	BuildID int64  `json:"build_id"`
	TS      string `json:"ts"`
	Line    string `json:"line"`
}
