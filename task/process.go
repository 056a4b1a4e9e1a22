package task

import (
	"fmt"
	"time"

	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/pkg/metrics"
)

// Process runs one scheduler drive attempt over the requested stages. It
// selects the next pending stage, dispatches its action, and either
// advances to the following stage in the same call (when no asynchronous
// sub-operations are outstanding) or returns with the task incomplete,
// expecting a sub-operation completion handler to call it again.
//
// A non-nil error means an unrecoverable stage failure; the task is then
// forced terminal. A nil return with IsProcessed() still false means "more
// work pending".
func (t *Task) Process(stages Stage) error {
	// A stage action may call back into the scheduler; the processing
	// flag keeps such nested drives from overlapping stage execution.
	if t.Flags.Has(FlagProcessing) {
		return nil
	}

	if t.IsProcessed() {
		return nil
	}

	if t.PreResult.Action != ActionUnset {
		// A pre-filter verdict short-circuits all remaining stages.
		t.ProcessedStages |= StageDone
		logger.Info("skip filters, as pre-filter returned action",
			"scan_id", t.ScanID, "action", t.PreResult.Action.String())
		return nil
	}

	t.SetFlag(FlagProcessing)

	st := selectProcessingStage(t, stages)

	var err error
	started := time.Now()

	switch st {
	case StageReadMessage:
		if p := t.parser(); p != nil {
			if perr := p.Parse(t); perr != nil {
				err = fmt.Errorf("cannot process message: %w", perr)
			}
		}

	case StagePreFilters:
		if h := t.preFilters(); h != nil {
			h.Run(t)
		}

	case StageFilters:
		if r := t.rules(); r != nil {
			if rerr := r.Process(t); rerr != nil {
				err = rerr
			}
		}

	case StageClassifiersPre, StageClassifiers, StageClassifiersPost:
		if c := t.classifier(); c != nil && !t.IsEmpty() {
			if cerr := c.Classify(t, st); cerr != nil {
				logger.Error("classify error", "scan_id", t.ScanID, "error", cerr)
				metrics.ClassifierErrorsTotal.Inc()
			}
		}

	case StageComposites:
		if c := t.composites(); c != nil {
			c.Resolve(t)
		}

	case StagePostFilters:
		if h := t.postFilters(); h != nil {
			h.Run(t)
		}
		if c := t.classifier(); c != nil &&
			t.Flags.Has(FlagLearnAuto) && !t.IsEmpty() {
			c.CheckAutolearn(t)
		}

	case StageLearnPre, StageLearn, StageLearnPost:
		if c := t.classifier(); c != nil &&
			t.Flags.Has(FlagLearnSpam|FlagLearnHam) && t.Err == nil {
			isSpam := t.Flags.Has(FlagLearnSpam)
			if lerr := c.Learn(t, isSpam, t.ClassifierName, st); lerr != nil {
				if !t.Flags.Has(FlagLearnAuto) {
					t.Err = lerr
				}
				logger.Error("learn error", "scan_id", t.ScanID, "error", lerr)
				// Learn failure terminates the pipeline outright.
				t.ProcessedStages |= StageDone
			}
		}

	case StageDone:
		t.ProcessedStages |= StageDone
	}

	metrics.StageDuration.WithLabelValues(st.String()).
		Observe(time.Since(started).Seconds())

	if t.IsSkipped() {
		t.ProcessedStages |= StageDone
	}

	t.ClearFlag(FlagProcessing)

	if err != nil || t.IsProcessed() {
		if err != nil {
			t.ProcessedStages |= StageDone
			if t.Err == nil {
				t.Err = err
			}
		}

		logger.Debug("task is processed", "scan_id", t.ScanID)
		return err
	}

	if t.S != nil && t.S.Pending() != 0 {
		// Outstanding async sub-operations gate stage advancement; their
		// completion handlers re-enter the driver.
		logger.Debug("need more work on stage",
			"scan_id", t.ScanID, "stage", st.String())
		return nil
	}

	// Mark the stage done and continue with the next one immediately.
	logger.Debug("completed stage", "scan_id", t.ScanID, "stage", st.String())
	t.ProcessedStages |= st
	t.Checkpoint = nil

	return t.Process(stages)
}

// Fin drives the task over all stages and performs the completion check.
// It returns true once the task is terminal and the owning session may be
// torn down; the reply fires on that first terminal observation and never
// again.
func (t *Task) Fin() bool {
	if t.IsProcessed() {
		t.reply()
		return true
	}

	if err := t.Process(ProcessAll); err != nil {
		t.reply()
		return true
	}

	if t.IsProcessed() {
		t.reply()
		return true
	}

	// One more iteration needed.
	return false
}

// reply triggers the one-shot finish callback (or the default reply
// writer). Repeated completion observations are absorbed here.
func (t *Task) reply() {
	if t.replied {
		return
	}
	t.replied = true

	metrics.TasksTotal.WithLabelValues(t.Action().String()).Inc()
	metrics.TaskDuration.Observe(time.Since(t.StartTime).Seconds())

	if t.FinCallback != nil {
		t.FinCallback(t, t.FinArg)
		return
	}

	if t.Providers != nil && t.Providers.Protocol != nil {
		t.Providers.Protocol.WriteReply(t)
		return
	}

	logger.Warn("task completed with no reply path", "scan_id", t.ScanID)
}

func (t *Task) parser() MessageParser {
	if t.Providers == nil {
		return nil
	}
	return t.Providers.Parser
}

func (t *Task) preFilters() FilterHook {
	if t.Providers == nil {
		return nil
	}
	return t.Providers.PreFilters
}

func (t *Task) postFilters() FilterHook {
	if t.Providers == nil {
		return nil
	}
	return t.Providers.PostFilters
}

func (t *Task) rules() RuleEngine {
	if t.Providers == nil {
		return nil
	}
	return t.Providers.Rules
}

func (t *Task) classifier() Classifier {
	if t.Providers == nil {
		return nil
	}
	return t.Providers.Classifier
}

func (t *Task) composites() CompositeResolver {
	if t.Providers == nil {
		return nil
	}
	return t.Providers.Composites
}
