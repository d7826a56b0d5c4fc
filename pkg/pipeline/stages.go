package pipeline

// Stage names one step of a build run.
type Stage string

const (
	StageValidate         Stage = "validate"
	StageMountOuter       Stage = "mount_outer"
	StageLocate           Stage = "locate"
	StageMountInner       Stage = "mount_inner"
	StageResolveVersion   Stage = "resolve_version"
	StageStageTree        Stage = "stage_tree"
	StageGenerateMetadata Stage = "generate_metadata"
	StageBuildArchive     Stage = "build_archive"
	StagePublish          Stage = "publish"
	StageCleanup          Stage = "cleanup"
)

// Stages lists the stages in execution order.
var Stages = []Stage{
	StageValidate,
	StageMountOuter,
	StageLocate,
	StageMountInner,
	StageResolveVersion,
	StageStageTree,
	StageGenerateMetadata,
	StageBuildArchive,
	StagePublish,
	StageCleanup,
}
