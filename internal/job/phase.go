package job

import "fmt"

// Phase is a named point in a migration pipeline.
type Phase string

const (
	PhaseCreateRawFiles      Phase = "CREATE_RAW_FILES"
	PhaseCreatedRawFiles     Phase = "CREATED_RAW_FILES"
	PhaseUploadToS3          Phase = "UPLOAD_TO_S3"
	PhaseDownloadFromS3      Phase = "DOWNLOAD_FROM_S3"
	PhaseConverting          Phase = "CONVERTING"
	PhaseInitiateInstance    Phase = "INITIATE_INSTANCE"
	PhaseAttachingVolume     Phase = "ATTACHING_VOLUME"
	PhaseAttachedVolume      Phase = "ATTACHED_VOLUME"
	PhaseCustomizingGuest    Phase = "CUSTOMIZING_GUEST"
	PhaseCreatingAMI         Phase = "CREATING_AMI"
	PhaseCreatedAMI          Phase = "CREATED_AMI"
	PhaseTerminatingInstance Phase = "TERMINATING_INSTANCE"
	PhaseTerminatedInstance  Phase = "TERMINATED_INSTANCE"
	PhaseCreatingInstance    Phase = "CREATING_INSTANCE"
	PhaseCompleted           Phase = "COMPLETED"
	PhaseCancelled           Phase = "CANCELLED"
	PhaseFailed              Phase = "FAILED"
)

// IsTerminal reports whether no further transition can follow p.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// Pipeline is the ordered list of non-terminal-exit phases of a strategy.
type Pipeline []Phase

// RehostPipeline lifts raw disk captures into fresh cloud volumes and an instance.
var RehostPipeline = Pipeline{
	PhaseCreateRawFiles,
	PhaseCreatedRawFiles,
	PhaseUploadToS3,
	PhaseDownloadFromS3,
	PhaseConverting,
	PhaseInitiateInstance,
	PhaseAttachingVolume,
	PhaseAttachedVolume,
	PhaseCreatingAMI,
	PhaseCreatedAMI,
	PhaseTerminatingInstance,
	PhaseTerminatedInstance,
	PhaseCreatingInstance,
	PhaseCompleted,
}

// ReplatformPipeline launches a catalog image and customizes it with captured data.
var ReplatformPipeline = Pipeline{
	PhaseCreateRawFiles,
	PhaseCreatedRawFiles,
	PhaseCreatingInstance,
	PhaseAttachingVolume,
	PhaseAttachedVolume,
	PhaseCustomizingGuest,
	PhaseDownloadFromS3,
	PhaseCreatingAMI,
	PhaseCreatedAMI,
	PhaseCompleted,
}

// Index returns the position of p in the pipeline, or -1.
func (pl Pipeline) Index(p Phase) int {
	for i, phase := range pl {
		if phase == p {
			return i
		}
	}
	return -1
}

// Contains reports whether p belongs to the pipeline.
func (pl Pipeline) Contains(p Phase) bool {
	return pl.Index(p) >= 0
}

// PipelineFor returns the pipeline driven by the given strategy.
func PipelineFor(s Strategy) (Pipeline, error) {
	switch s {
	case StrategyRehost:
		return RehostPipeline, nil
	case StrategyReplatform:
		return ReplatformPipeline, nil
	}
	return nil, fmt.Errorf("unknown migration strategy %q", s)
}

// DataMovementPhases are the phases during which outstanding conversion
// tasks must be cancelled when the run fails.
var DataMovementPhases = map[Phase]bool{
	PhaseDownloadFromS3:   true,
	PhaseConverting:       true,
	PhaseInitiateInstance: true,
	PhaseAttachingVolume:  true,
	PhaseAttachedVolume:   true,
}
