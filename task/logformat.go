package task

import (
	"fmt"
	"math"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/migadu/mailscan/logger"
)

// maxLogElts bounds list-valued log variables; longer lists are truncated
// with a trailing ellipsis marker.
const maxLogElts = 7

type directiveKind int

const (
	directiveLiteral directiveKind = iota
	directiveVariable
	directiveCallback
)

type logDirective struct {
	kind directiveKind
	text string // literal text or variable/callback name
	// conditional directives render nothing when their source field is
	// unset or still the default sentinel.
	conditional bool
}

// LogFormat is a compiled completion-log template: an ordered list of
// literal, variable and registered-callback directives.
type LogFormat struct {
	directives []logDirective
}

// LogFormatterFunc renders a custom log field from a completed task.
type LogFormatterFunc func(t *Task) string

var (
	logFormattersMu sync.RWMutex
	logFormatters   = make(map[string]LogFormatterFunc)
)

// RegisterLogFormatter makes a custom formatter available to log format
// templates under the given name. Registration is process-wide.
func RegisterLogFormatter(name string, fn LogFormatterFunc) {
	logFormattersMu.Lock()
	defer logFormattersMu.Unlock()
	logFormatters[name] = fn
}

func lookupLogFormatter(name string) LogFormatterFunc {
	logFormattersMu.RLock()
	defer logFormattersMu.RUnlock()
	return logFormatters[name]
}

var builtinLogVariables = map[string]bool{
	"mid": true, "qid": true, "user": true, "ip": true,
	"len": true, "time_real": true, "digest": true,
	"is_spam": true, "action": true, "scores": true, "forced": true,
	"symbols": true, "symbols_scores": true, "symbols_params": true,
	"smtp_from": true, "smtp_rcpt": true, "smtp_rcpts": true,
	"mime_from": true, "mime_rcpt": true, "mime_rcpts": true,
}

// CompileLogFormat parses a log format template. Variables are written as
// ${name} or $name; a leading "?" inside braces (${?mid}) makes the
// directive conditional. Names that are not built-in variables resolve
// against the registered formatter table at render time.
func CompileLogFormat(format string) (*LogFormat, error) {
	lf := &LogFormat{}
	var literal strings.Builder

	flushLiteral := func() {
		if literal.Len() > 0 {
			lf.directives = append(lf.directives, logDirective{
				kind: directiveLiteral,
				text: literal.String(),
			})
			literal.Reset()
		}
	}

	isNameChar := func(c byte) bool {
		return c == '_' || (c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
	}

	for i := 0; i < len(format); {
		c := format[i]
		if c != '$' {
			literal.WriteByte(c)
			i++
			continue
		}

		if i+1 < len(format) && format[i+1] == '$' {
			// "$$" escapes a literal dollar.
			literal.WriteByte('$')
			i += 2
			continue
		}

		var name string
		var conditional bool

		if i+1 < len(format) && format[i+1] == '{' {
			end := strings.IndexByte(format[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated variable at offset %d", i)
			}
			name = format[i+2 : i+2+end]
			i += 2 + end + 1
			if strings.HasPrefix(name, "?") {
				conditional = true
				name = name[1:]
			}
		} else {
			j := i + 1
			for j < len(format) && isNameChar(format[j]) {
				j++
			}
			name = format[i+1 : j]
			i = j
		}

		if name == "" {
			literal.WriteByte('$')
			continue
		}

		flushLiteral()

		kind := directiveVariable
		if !builtinLogVariables[name] {
			kind = directiveCallback
		}
		lf.directives = append(lf.directives, logDirective{
			kind:        kind,
			text:        name,
			conditional: conditional,
		})
	}

	flushLiteral()

	return lf, nil
}

// Render produces the one-line scan summary. It reads the task only.
func (lf *LogFormat) Render(t *Task) string {
	var b strings.Builder

	for _, d := range lf.directives {
		switch d.kind {
		case directiveLiteral:
			b.WriteString(d.text)

		case directiveCallback:
			if fn := lookupLogFormatter(d.text); fn != nil {
				b.WriteString(fn(t))
			} else {
				logger.Debug("no formatter registered for log variable",
					"variable", d.text)
			}

		case directiveVariable:
			if d.conditional && !t.logConditionHolds(d.text) {
				continue
			}
			b.WriteString(t.logVariable(d.text))
		}
	}

	return b.String()
}

// WriteLog emits the one-line completion summary through the structured
// logger. It is a no-op when logging is disabled for the task or no log
// format is configured.
func (t *Task) WriteLog() {
	if t.Flags.Has(FlagNoLog) {
		return
	}

	var lf *LogFormat
	if t.Worker != nil {
		lf = t.Worker.LogFormat
	}
	if lf == nil && t.Cfg != nil && t.Cfg.Scan.LogFormat != "" {
		compiled, err := CompileLogFormat(t.Cfg.Scan.LogFormat)
		if err != nil {
			logger.Error("invalid log format", "error", err)
			return
		}
		lf = compiled
	}
	if lf == nil {
		return
	}

	logger.Info(lf.Render(t))
}

func (t *Task) logConditionHolds(name string) bool {
	switch name {
	case "mid":
		return t.MessageID != "" && t.MessageID != Undef
	case "qid":
		return t.QueueID != "" && t.QueueID != Undef
	case "user":
		return t.User != ""
	case "ip":
		return t.ClientIP != nil
	case "smtp_from":
		return t.FromEnvelope != nil
	case "smtp_rcpt", "smtp_rcpts":
		return len(t.RcptEnvelope) > 0
	case "mime_from":
		return len(t.FromMIME) > 0
	case "mime_rcpt", "mime_rcpts":
		return len(t.RcptMIME) > 0
	default:
		return true
	}
}

func (t *Task) logVariable(name string) string {
	switch name {
	case "mid":
		return orUndef(t.MessageID)
	case "qid":
		return orUndef(t.QueueID)
	case "user":
		return orUndef(t.User)
	case "ip":
		if t.ClientIP != nil {
			return t.ClientIP.String()
		}
		return Undef
	case "len":
		return fmt.Sprintf("%d", len(t.Msg))
	case "time_real":
		return fmt.Sprintf("%.3fs", time.Since(t.StartTime).Seconds())
	case "digest":
		return orUndef(t.Digest)
	case "is_spam":
		return t.logIsSpam()
	case "action":
		return t.Action().String()
	case "forced":
		if t.PreResult.Action != ActionUnset {
			return fmt.Sprintf("%s;%s", t.PreResult.Action, t.PreResult.Message)
		}
		return ""
	case "scores":
		mres := t.Results[DefaultMetric]
		if mres == nil {
			return "0.00/0.00"
		}
		return fmt.Sprintf("%.2f/%.2f", mres.Score, mres.RequiredScore)
	case "symbols":
		return t.logSymbols(false, false)
	case "symbols_scores":
		return t.logSymbols(true, false)
	case "symbols_params":
		return t.logSymbols(true, true)
	case "smtp_from":
		if t.FromEnvelope != nil {
			return t.FromEnvelope.Address
		}
		return ""
	case "mime_from":
		return joinAddressList(t.FromMIME, 1)
	case "smtp_rcpt":
		return joinAddressList(t.RcptEnvelope, 1)
	case "smtp_rcpts":
		return joinAddressList(t.RcptEnvelope, 0)
	case "mime_rcpt":
		return joinAddressList(t.RcptMIME, 1)
	case "mime_rcpts":
		return joinAddressList(t.RcptMIME, 0)
	default:
		return ""
	}
}

func (t *Task) logIsSpam() string {
	if t.IsSkipped() {
		return "S"
	}
	if t.Action() == ActionReject {
		return "T"
	}
	return "F"
}

// logSymbols renders the matched symbols sorted by descending absolute
// score, ties broken by ascending name.
func (t *Task) logSymbols(withScores, withParams bool) string {
	mres := t.Results[DefaultMetric]
	if mres == nil || len(mres.Symbols) == 0 {
		return ""
	}

	sorted := make([]*SymbolResult, 0, len(mres.Symbols))
	for _, sym := range mres.Symbols {
		sorted = append(sorted, sym)
	}
	sort.Slice(sorted, func(i, j int) bool {
		wi, wj := math.Abs(sorted[i].Score), math.Abs(sorted[j].Score)
		if wi == wj {
			return sorted[i].Name < sorted[j].Name
		}
		return wi > wj
	})

	var b strings.Builder
	for i, sym := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(sym.Name)

		if withScores {
			fmt.Fprintf(&b, "(%.2f)", sym.Score)
		}

		if withParams && len(sym.Options) > 0 {
			b.WriteByte('{')
			for j, opt := range sym.Options {
				if j >= maxLogElts {
					b.WriteString("...;")
					break
				}
				b.WriteString(opt)
				b.WriteByte(';')
			}
			b.WriteByte('}')
		}
	}

	return b.String()
}

func orUndef(s string) string {
	if s == "" {
		return Undef
	}
	return s
}

// joinAddressList joins addresses with commas. A limit of 0 means all, but
// never more than maxLogElts before the ellipsis marker.
func joinAddressList(addrs []*mail.Address, limit int) string {
	if len(addrs) == 0 {
		return ""
	}
	if limit <= 0 || limit > len(addrs) {
		limit = len(addrs)
	}

	var b strings.Builder
	for i := 0; i < limit; i++ {
		if i >= maxLogElts {
			b.WriteString(",...")
			break
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(addrs[i].Address)
	}

	return b.String()
}
