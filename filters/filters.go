// Package filters runs sieve scripts as pre- and post-filter hooks around
// the main rule stages. Pre-filter verdicts short-circuit the scan with a
// forced result; post-filter outcomes are folded into symbols and reply
// headers.
package filters

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"

	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/pkg/metrics"
	"github.com/migadu/mailscan/task"
)

// HookKind distinguishes the two filter slots of the pipeline.
type HookKind string

const (
	PreFilter  HookKind = "prefilter"
	PostFilter HookKind = "postfilter"
)

const evalTimeout = 5 * time.Second

// Hook executes an ordered list of compiled sieve scripts against a task.
// It implements task.FilterHook; script failures are logged and never
// abort the scan.
type Hook struct {
	kind    HookKind
	scripts []*script
}

type script struct {
	name     string
	compiled *sieve.Script
}

// NewPreFilters compiles the pre-filter scripts. A script that fails to
// compile is a startup error.
func NewPreFilters(paths []string) (*Hook, error) {
	return newHook(PreFilter, paths)
}

// NewPostFilters compiles the post-filter scripts.
func NewPostFilters(paths []string) (*Hook, error) {
	return newHook(PostFilter, paths)
}

func newHook(kind HookKind, paths []string) (*Hook, error) {
	h := &Hook{kind: kind}
	for _, path := range paths {
		s, err := compile(path)
		if err != nil {
			return nil, fmt.Errorf("%s script %s: %w", kind, path, err)
		}
		h.scripts = append(h.scripts, s)
	}
	return h, nil
}

func compile(path string) (*script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	options := sieve.DefaultOptions()
	// nil allows all extensions the interpreter supports.
	options.EnabledExtensions = nil
	compiled, err := sieve.Load(f, options)
	if err != nil {
		return nil, fmt.Errorf("compile failed: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &script{name: name, compiled: compiled}, nil
}

// Run evaluates every script in order. A pre-filter that forces a result
// stops the remaining scripts unless the task carries the pass-all flag.
func (h *Hook) Run(t *task.Task) {
	for _, s := range h.scripts {
		res, err := h.evaluate(t, s)
		if err != nil {
			metrics.FilterExecutionsTotal.WithLabelValues(string(h.kind), "failure").Inc()
			logger.Warn("filter script failed",
				"scan_id", t.ScanID, "hook", string(h.kind), "script", s.name, "error", err)
			continue
		}
		metrics.FilterExecutionsTotal.WithLabelValues(string(h.kind), "success").Inc()

		h.apply(t, s.name, res)

		if t.PreResult.Action != task.ActionUnset && !t.Flags.Has(task.FlagPassAll) {
			break
		}
	}
}

type verdict struct {
	action   string // "keep", "discard", "fileinto" or "redirect"
	mailbox  string
	redirect string
	flags    []string
}

func (h *Hook) evaluate(t *task.Task, s *script) (verdict, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	env := &envelope{
		from: addressOf(t.Sender()),
		to:   t.PrincipalRecipient(),
		auth: t.User,
	}
	msg := &message{headers: t.RawHeaders, size: len(t.Msg)}

	data := sieve.NewRuntimeData(s.compiled, &policy{}, env, msg)
	if err := s.compiled.Execute(ctx, data); err != nil {
		return verdict{action: "keep"}, err
	}

	v := verdict{action: "keep", flags: data.Flags}
	switch {
	case len(data.Mailboxes) > 0:
		v.action = "fileinto"
		v.mailbox = data.Mailboxes[0]
	case len(data.RedirectAddr) > 0:
		v.action = "redirect"
		v.redirect = data.RedirectAddr[0]
	case !data.Keep && !data.ImplicitKeep:
		v.action = "discard"
	}
	return v, nil
}

// apply translates a script verdict onto the task. Pre-filters force a
// result; post-filters annotate the scan with symbols and reply headers.
func (h *Hook) apply(t *task.Task, name string, v verdict) {
	for _, flag := range v.flags {
		t.InsertResult(flagSymbol(flag), 0, name)
	}

	switch v.action {
	case "discard":
		t.SetPreResult(task.ActionReject, fmt.Sprintf("discarded by %s %s", h.kind, name))
	case "redirect":
		if h.kind == PreFilter {
			t.SetPreResult(task.ActionSoftReject, fmt.Sprintf("redirected by %s %s", h.kind, name))
		} else {
			t.ReplyHeaders.Set("X-Filter-Redirect", v.redirect)
		}
	case "fileinto":
		if h.kind == PreFilter {
			t.SetPreResult(task.ActionAddHeader, fmt.Sprintf("filed by %s %s", h.kind, name))
		} else {
			t.ReplyHeaders.Set("X-Filter-Mailbox", v.mailbox)
		}
	}
}

// flagSymbol turns a sieve imap flag into a symbol name, e.g.
// "\\Seen" becomes "SIEVE_FLAG_SEEN".
func flagSymbol(flag string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, flag)
	return "SIEVE_FLAG_" + mapped
}

func addressOf(a *mail.Address) string {
	if a == nil {
		return ""
	}
	return a.Address
}

type envelope struct {
	from, to, auth string
}

func (e *envelope) EnvelopeFrom() string { return e.from }
func (e *envelope) EnvelopeTo() string   { return e.to }
func (e *envelope) AuthUsername() string { return e.auth }

type message struct {
	headers map[string][]string
	size    int
}

func (m *message) HeaderGet(key string) ([]string, error) {
	if v, ok := m.headers[key]; ok {
		return v, nil
	}
	return m.headers[canonicalKey(key)], nil
}

func (m *message) MessageSize() int { return m.size }

func canonicalKey(key string) string {
	parts := strings.Split(strings.ToLower(key), "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

// policy allows redirects and refuses vacation responses; a scanner never
// sends mail on its own.
type policy struct{}

func (policy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (policy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return false, nil
}

func (policy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}
