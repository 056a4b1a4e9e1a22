package task

// Flag is a task behavior switch. Flags combine freely except where noted;
// they are the single source of truth for per-task mode decisions.
type Flag uint32

const (
	// FlagMIME marks the message as full MIME mail (as opposed to a raw
	// text blob).
	FlagMIME Flag = 1 << iota
	// FlagJSON requests a JSON reply.
	FlagJSON
	// FlagFile is set when the message view is backed by a mapping that
	// the task's pool will unmap at teardown.
	FlagFile
	// FlagEmpty marks a zero-length message; classifier and learn stages
	// degrade to no-ops.
	FlagEmpty
	// FlagProcessing guards the stage driver against re-entrant calls.
	FlagProcessing
	// FlagPassAll keeps evaluating rules past the reject threshold.
	FlagPassAll
	// FlagLearnSpam and FlagLearnHam request learning; they are mutually
	// exclusive in practice but not enforced by the type.
	FlagLearnSpam
	FlagLearnHam
	// FlagLearnAuto marks learning triggered by autolearn rather than an
	// explicit request; learn errors are then suppressed from the reply.
	FlagLearnAuto
	// FlagNoLog disables the completion log line.
	FlagNoLog
	// FlagHasControl indicates a control preamble precedes the message
	// body in the inline payload.
	FlagHasControl
	// FlagSkip marks a task administratively excluded from scanning; the
	// scheduler forces it straight to done.
	FlagSkip
)

// Has reports whether any of the given flag bits are set.
func (f Flag) Has(flag Flag) bool { return f&flag != 0 }

// SetFlag sets the given flag bits on the task.
func (t *Task) SetFlag(flag Flag) { t.Flags |= flag }

// ClearFlag clears the given flag bits on the task.
func (t *Task) ClearFlag(flag Flag) { t.Flags &^= flag }

// IsProcessed reports whether the task reached its terminal stage.
func (t *Task) IsProcessed() bool { return t.ProcessedStages&StageDone != 0 }

// IsEmpty reports whether the task carries a zero-length message.
func (t *Task) IsEmpty() bool { return t.Flags.Has(FlagEmpty) }

// IsSkipped reports whether the task is excluded from scanning.
func (t *Task) IsSkipped() bool { return t.Flags.Has(FlagSkip) }
