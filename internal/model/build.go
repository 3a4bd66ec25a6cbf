package model

import "time"

// BuildContext is owned by a single run. TempDir is reset at the start of
// every run sharing the same workspace, WorkDir is never cleared.
type BuildContext struct {
	UUID        string
	Workspace   string
	WorkDir     string
	TempDir     string
	BuildNumber int
	Env         map[string]string
}

// StagedArtifact records where an input file ended up. Path is the effective
// location handed to ObjectStudio: Destination when copied, Source otherwise.
type StagedArtifact struct {
	Source   string
	Dest     string
	Isolated bool
}

// Path returns the path the process should use.
func (a StagedArtifact) Path() string {
	if a.Isolated {
		return a.Dest
	}
	return a.Source
}

// CommandSpec is consumed exactly once by the process runner.
type CommandSpec struct {
	Executable string
	Args       []string
	WorkDir    string
	Env        []string
}

// Report summarizes a finished run for reporters and the build history.
type Report struct {
	UUID        string    `json:"uuid"`
	BuildNumber int       `json:"build_number"`
	Generation  string    `json:"generation"`
	Executable  string    `json:"executable,omitempty"`
	Args        []string  `json:"args,omitempty"`
	WorkDir     string    `json:"workdir"`
	Log         string    `json:"log,omitempty"`
	Started     time.Time `json:"started"`
	Stopped     time.Time `json:"stopped"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	LogLines    int       `json:"log_lines"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
}
