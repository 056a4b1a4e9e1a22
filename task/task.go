// Package task implements the per-message scan task: the central record of
// a message under scan, the staged-processing scheduler that drives it to
// completion, the message buffer loader and the completion log renderer.
//
// A task is created per inbound message, loaded via LoadMessage, then
// driven by Process/Fin until its stage mask reaches the terminal bit. The
// scheduler never blocks: a stage action may register asynchronous
// sub-operations with the task's session and return early, in which case
// the operation's completion handler is expected to call Fin again.
package task

import (
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/mailscan/config"
	"github.com/migadu/mailscan/mempool"
	"github.com/migadu/mailscan/regexcache"
	"github.com/migadu/mailscan/session"
)

// DefaultMetric is the metric name scan results are recorded under.
const DefaultMetric = "default"

// Undef is the sentinel for identity fields that were never set.
const Undef = "undef"

// Action is a scan verdict.
type Action int

const (
	ActionNoAction Action = iota
	ActionGreylist
	ActionAddHeader
	ActionRewriteSubject
	ActionSoftReject
	ActionReject
	// ActionUnset is the "no verdict" sentinel used by PreResult.
	ActionUnset
)

func (a Action) String() string {
	switch a {
	case ActionNoAction:
		return "no action"
	case ActionGreylist:
		return "greylist"
	case ActionAddHeader:
		return "add header"
	case ActionRewriteSubject:
		return "rewrite subject"
	case ActionSoftReject:
		return "soft reject"
	case ActionReject:
		return "reject"
	default:
		return "unset"
	}
}

// PreResult is an early authoritative verdict set by a pre-filter. A real
// action here short-circuits every remaining stage.
type PreResult struct {
	Action  Action
	Message string
}

// SymbolResult is one matched symbol within a metric result.
type SymbolResult struct {
	Name    string
	Score   float64
	Options []string
}

// MetricResult accumulates the score, the derived action and the matched
// symbols for one metric.
type MetricResult struct {
	Score         float64
	RequiredScore float64
	Action        Action
	Symbols       map[string]*SymbolResult
}

// MimePart is one leaf MIME part of the parsed message.
type MimePart struct {
	ContentType string
	Content     []byte
	Filename    string
	Headers     map[string][]string
}

// TextPart is a text part prepared for rule and classifier consumption;
// HTML parts are stored in their text-extracted form.
type TextPart struct {
	Content []byte
	IsHTML  bool
}

// Headers is a case-insensitive unique-key header map, used for request and
// reply pseudo-headers.
type Headers map[string]string

// Get returns the header value, or "".
func (h Headers) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Set stores the header value, replacing any previous one.
func (h Headers) Set(name, value string) {
	h[strings.ToLower(name)] = value
}

// Request is the protocol layer's parsed view of an inbound scan request:
// the pseudo-header map plus the raw body position. The protocol hooks
// translate it onto the task.
type Request struct {
	Headers Headers
}

// Worker carries per-worker state shared by the tasks it drives.
type Worker struct {
	Name string
	// LogFormat is the pre-compiled completion log template; nil falls
	// back to compiling the config string per task.
	LogFormat *LogFormat
}

// Task is the unit of work representing one message being scanned.
type Task struct {
	ScanID uuid.UUID
	Worker *Worker
	Cfg    *config.Config

	Flags           Flag
	ProcessedStages Stage
	PreResult       PreResult

	// Checkpoint is stage-local resume state owned by the currently
	// running stage action; the scheduler clears it when the stage
	// completes.
	Checkpoint any

	MessageID string
	QueueID   string
	Subject   string
	User      string
	Hostname  string
	DeliverTo string
	ClientIP  net.IP

	// MessageLen is the declared message length from the protocol layer,
	// used to locate the control chunk boundary.
	MessageLen uint64

	StartTime time.Time

	// Msg is a view over the raw message bytes. The backing storage is
	// owned elsewhere (caller buffer or a mapping registered on Pool);
	// the view is valid only until Free.
	Msg []byte

	RequestHeaders Headers
	ReplyHeaders   Headers
	// RawHeaders holds the parsed message headers under canonical keys.
	RawHeaders map[string][]string

	FromEnvelope *mail.Address
	RcptEnvelope []*mail.Address
	FromMIME     []*mail.Address
	RcptMIME     []*mail.Address

	Parts     []*MimePart
	TextParts []*TextPart
	Received  []string
	URLs      map[string]struct{}
	Emails    map[string]struct{}

	Results map[string]*MetricResult
	Digest  string

	Pool *mempool.Pool
	ReRT *regexcache.Runtime
	S    *session.Session

	Providers *Providers

	// ClassifierName selects the classifier for an explicit learn request.
	ClassifierName string

	// Err is the task's terminal error: a load failure or a fatal stage
	// failure. It is reported in the reply.
	Err error

	// FinCallback, when set, replaces the default reply writer at
	// completion. It runs at most once.
	FinCallback func(t *Task, arg any)
	FinArg      any

	// ReplyWriter receives the serialized reply from the default reply
	// path.
	ReplyWriter io.Writer

	// Sock is an optionally attached client connection closed at Free.
	Sock io.Closer

	replied bool
}

// New creates a task with default flags and sentinels. Both arguments may
// be nil; a nil config produces a task usable only for direct driving in
// tests.
func New(worker *Worker, cfg *config.Config) *Task {
	t := &Task{
		ScanID:         uuid.New(),
		Worker:         worker,
		StartTime:      time.Now(),
		Pool:           mempool.New(),
		RequestHeaders: make(Headers),
		ReplyHeaders:   make(Headers),
		RawHeaders:     make(map[string][]string),
		URLs:           make(map[string]struct{}),
		Emails:         make(map[string]struct{}),
		Results:        make(map[string]*MetricResult),
		MessageID:      Undef,
		QueueID:        Undef,
	}

	t.Flags = FlagMIME | FlagJSON
	t.PreResult.Action = ActionUnset

	if cfg != nil {
		t.Cfg = cfg
		if cfg.Scan.CheckAllFilters {
			t.SetFlag(FlagPassAll)
		}
		if cfg.ReCache != nil {
			t.ReRT = regexcache.NewRuntime(cfg.ReCache)
		}
	}

	return t
}

// Free releases everything the task owns: the regex runtime, then the pool
// destructors (which unmap any message mapping), then the config reference.
// The message view is invalid after Free.
func (t *Task) Free() {
	if t == nil {
		return
	}

	if t.Sock != nil {
		t.Sock.Close()
		t.Sock = nil
	}

	if t.ReRT != nil {
		t.ReRT.Close()
		t.ReRT = nil
	}

	t.Pool.Destroy()

	t.Msg = nil
	t.Parts = nil
	t.TextParts = nil
	t.Cfg = nil
}

// Sender returns the envelope sender, or nil.
func (t *Task) Sender() *mail.Address {
	return t.FromEnvelope
}

// PrincipalRecipient resolves the primary recipient: an explicit deliver-to
// override, else the first envelope recipient, else the first MIME
// recipient. The lowercased result is cached on the pool.
func (t *Task) PrincipalRecipient() string {
	if v := t.Pool.Variable("recipient"); v != nil {
		return v.(string)
	}

	var rcpt string
	switch {
	case t.DeliverTo != "":
		rcpt = t.DeliverTo
	case len(t.RcptEnvelope) > 0:
		rcpt = t.RcptEnvelope[0].Address
	case len(t.RcptMIME) > 0:
		rcpt = t.RcptMIME[0].Address
	}

	if rcpt == "" {
		return ""
	}

	rcpt = strings.ToLower(rcpt)
	t.Pool.SetVariable("recipient", rcpt, nil)

	return rcpt
}

// MarkForLearning requests explicit learning of this message.
func (t *Task) MarkForLearning(isSpam bool, classifier string) {
	if isSpam {
		t.SetFlag(FlagLearnSpam)
	} else {
		t.SetFlag(FlagLearnHam)
	}
	t.ClassifierName = classifier
}

// HeaderValues returns the parsed message header values for name, matching
// case-insensitively.
func (t *Task) HeaderValues(name string) []string {
	return t.RawHeaders[textproto.CanonicalMIMEHeaderKey(name)]
}

// AppendHeader records one parsed message header.
func (t *Task) AppendHeader(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	t.RawHeaders[key] = append(t.RawHeaders[key], value)
}

// Result returns the metric result for the default metric, creating it on
// first use with the configured required score.
func (t *Task) Result() *MetricResult {
	mres := t.Results[DefaultMetric]
	if mres == nil {
		mres = &MetricResult{
			Symbols: make(map[string]*SymbolResult),
		}
		if t.Cfg != nil {
			mres.RequiredScore = t.Cfg.Scan.RequiredScore()
		}
		t.Results[DefaultMetric] = mres
	}
	return mres
}

// InsertResult adds a symbol to the default metric. A repeated symbol only
// merges options; its score counts once.
func (t *Task) InsertResult(symbol string, score float64, options ...string) {
	mres := t.Result()

	if sym, ok := mres.Symbols[symbol]; ok {
		sym.Options = append(sym.Options, options...)
		return
	}

	mres.Symbols[symbol] = &SymbolResult{
		Name:    symbol,
		Score:   score,
		Options: options,
	}
	mres.Score += score
	mres.Action = t.actionForScore(mres.Score)
}

// RemoveResult drops a symbol from the default metric, subtracting its
// score. Composite resolution uses it to fold atoms into their composite.
func (t *Task) RemoveResult(symbol string) {
	mres := t.Results[DefaultMetric]
	if mres == nil {
		return
	}
	sym, ok := mres.Symbols[symbol]
	if !ok {
		return
	}
	delete(mres.Symbols, symbol)
	mres.Score -= sym.Score
	mres.Action = t.actionForScore(mres.Score)
}

func (t *Task) actionForScore(score float64) Action {
	if t.Cfg == nil || t.Cfg.Scan.Actions == nil {
		return ActionNoAction
	}

	check := func(name string) (float64, bool) {
		threshold, ok := t.Cfg.Scan.Actions[name]
		return threshold, ok && score >= threshold
	}

	if _, hit := check("reject"); hit {
		return ActionReject
	}
	if _, hit := check("add_header"); hit {
		return ActionAddHeader
	}
	if _, hit := check("greylist"); hit {
		return ActionGreylist
	}
	return ActionNoAction
}

// Action returns the task's effective verdict: the pre-filter verdict when
// one was set, otherwise the scored action of the default metric.
func (t *Task) Action() Action {
	if t.PreResult.Action != ActionUnset {
		return t.PreResult.Action
	}
	if mres := t.Results[DefaultMetric]; mres != nil {
		return mres.Action
	}
	return ActionNoAction
}

// SetPreResult records a pre-filter verdict.
func (t *Task) SetPreResult(action Action, message string) {
	t.PreResult = PreResult{Action: action, Message: message}
}

// LoadError is the structured error recorded when message loading fails.
// Tasks with a load error must not be driven through the scheduler.
type LoadError struct {
	Source string // "shm", "file" or "inline"
	Detail string
	Cause  error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Cause)
	}
	return e.Detail
}

func (e *LoadError) Unwrap() error { return e.Cause }
