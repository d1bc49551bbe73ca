package pipeline

import "fmt"

// Stage names, in execution order.
const (
	StageClassify = "classify"
	StageExtract  = "extract"
	StageCmdlets  = "cmdlets"
	StageExports  = "exports"
	StageAssemble = "assemble"
	StageResolve  = "resolve"
	StageInline   = "inline"
	StageVersion  = "version"
	StageManifest = "manifest"
	StageStage    = "stage"
	StageDeploy   = "deploy"
	StageArchive  = "archive"
	StageRegistry = "registry"
)

// StageError attributes a build failure to a stage and the identifier that
// triggered it: a file path, module name or alias.
type StageError struct {
	Stage   string
	Subject string
	Err     error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Subject, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func fail(stage, subject string, err error) error {
	return &StageError{Stage: stage, Subject: subject, Err: err}
}
