package shared

// ProgressStage identifies the long-running operation a progress event
// belongs to.
type ProgressStage int

// Progress stages reported by downloaders, stores and sync sources.
const (
	StageDownloadFileStart ProgressStage = iota
	StageDownloadFileProgress
	StageDownloadFileEnd
	StageHashFileStart
	StageHashFileProgress
	StageHashFileEnd
	StageFetchingMetadata
	StageIndexingPackages
	StageCopyingPackages
)

// String implements fmt.Stringer.
func (s ProgressStage) String() string {
	switch s {
	case StageDownloadFileStart:
		return "download-file-start"
	case StageDownloadFileProgress:
		return "download-file-progress"
	case StageDownloadFileEnd:
		return "download-file-end"
	case StageHashFileStart:
		return "hash-file-start"
	case StageHashFileProgress:
		return "hash-file-progress"
	case StageHashFileEnd:
		return "hash-file-end"
	case StageFetchingMetadata:
		return "fetching-metadata"
	case StageIndexingPackages:
		return "indexing-packages"
	case StageCopyingPackages:
		return "copying-packages"
	default:
		return "unknown"
	}
}

// Progress is a single progress event. Maximum is zero when the total amount
// of work is not known upfront.
type Progress struct {
	Stage   ProgressStage
	Current int64
	Maximum int64
}

// ProgressFunc receives progress events. A nil ProgressFunc is valid and
// discards all events.
type ProgressFunc func(Progress)

// Emit sends a progress event to the callback, if one is set.
func (f ProgressFunc) Emit(stage ProgressStage, current int64, maximum int64) {
	if f == nil {
		return
	}

	f(Progress{Stage: stage, Current: current, Maximum: maximum})
}
