package task

// Providers wires the external collaborators each stage dispatches to. Any
// nil field degrades its stage to a no-op, so partial pipelines (parse
// only, tests) drive cleanly through the same scheduler.
type Providers struct {
	Protocol    ProtocolHooks
	Parser      MessageParser
	PreFilters  FilterHook
	PostFilters FilterHook
	Rules       RuleEngine
	Classifier  Classifier
	Composites  CompositeResolver
}

// MessageParser performs the structural parse of the raw message bytes. A
// returned error aborts the task.
type MessageParser interface {
	Parse(t *Task) error
}

// FilterHook runs registered pre- or post-filter hooks. Hooks are
// side-effecting: a pre-filter may set the task's PreResult, a post-filter
// may add symbols or reply headers. Hook failures are the hook's own
// concern; they never abort the task.
type FilterHook interface {
	Run(t *Task)
}

// RuleEngine evaluates the rule set against the parsed message. An error
// aborts the task; per-rule failures are expected to be absorbed inside
// the engine.
type RuleEngine interface {
	Process(t *Task) error
}

// Classifier is the statistics backend. Classify errors are logged and
// never fatal; Learn errors surface as the task's terminal error unless the
// learning was automatic.
type Classifier interface {
	Classify(t *Task, stage Stage) error
	Learn(t *Task, isSpam bool, classifier string, stage Stage) error
	CheckAutolearn(t *Task)
}

// CompositeResolver folds already-computed symbols into composite symbols.
type CompositeResolver interface {
	Resolve(t *Task)
}

// ProtocolHooks are the protocol-layer callbacks invoked from the buffer
// loader and the completion path.
type ProtocolHooks interface {
	// HandleRequestHeaders translates request pseudo-headers onto the
	// task before the message source is resolved.
	HandleRequestHeaders(t *Task, req *Request) error
	// HandleControlChunk consumes the parsed control preamble object.
	HandleControlChunk(t *Task, control map[string]any)
	// WriteReply emits the default reply for a completed task.
	WriteReply(t *Task)
}
