package task

import "math/bits"

// Stage is one step of the processing pipeline, represented as a single bit
// in the processed-stages mask. Bit positions follow the pipeline order, so
// the highest set bit of a task's mask identifies the furthest stage it has
// completed.
type Stage uint32

const (
	StageReadMessage Stage = 1 << iota
	StagePreFilters
	StageFilters
	StageClassifiersPre
	StageClassifiers
	StageClassifiersPost
	StageComposites
	StagePostFilters
	StageLearnPre
	StageLearn
	StageLearnPost
	StageDone
)

// ProcessAll requests every pipeline stage.
const ProcessAll = StageReadMessage |
	StagePreFilters |
	StageFilters |
	StageClassifiersPre |
	StageClassifiers |
	StageClassifiersPost |
	StageComposites |
	StagePostFilters |
	StageLearnPre |
	StageLearn |
	StageLearnPost |
	StageDone

// ProcessLearn requests only the stages needed to learn a message: parse
// plus the learn sub-stages.
const ProcessLearn = StageReadMessage |
	StageLearnPre |
	StageLearn |
	StageLearnPost |
	StageDone

func (s Stage) String() string {
	switch s {
	case StageReadMessage:
		return "read_message"
	case StagePreFilters:
		return "prefilters"
	case StageFilters:
		return "filters"
	case StageClassifiersPre:
		return "classifiers_pre"
	case StageClassifiers:
		return "classifiers"
	case StageClassifiersPost:
		return "classifiers_post"
	case StageComposites:
		return "composites"
	case StagePostFilters:
		return "postfilters"
	case StageLearnPre:
		return "learn_pre"
	case StageLearn:
		return "learn"
	case StageLearnPost:
		return "learn_post"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// selectProcessingStage picks the next stage to run: the bit just past the
// furthest completed stage. Stages the caller did not request are marked
// done on the task and skipped over, so requested masks act as a filter.
// When nothing actionable remains before StageDone, StageDone is returned.
func selectProcessingStage(t *Task, stages Stage) Stage {
	// Highest completed bit + 1; an empty mask starts at bit 0.
	st := Stage(1) << bits.Len32(uint32(t.ProcessedStages))

	for {
		if st >= StageDone {
			return StageDone
		}
		if stages&st != 0 {
			return st
		}
		// Not requested: consider it done and move on.
		t.ProcessedStages |= st
		st <<= 1
	}
}
