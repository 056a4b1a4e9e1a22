// Package protocol translates scan requests and replies between the HTTP
// surface and the task pipeline: request pseudo-headers onto task fields,
// the JSON control preamble onto task flags, and completed tasks into the
// public JSON reply schema.
package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/task"
)

// Reply is the JSON scan reply.
type Reply struct {
	IsSkipped     bool              `json:"is_skipped"`
	Score         float64           `json:"score"`
	RequiredScore float64           `json:"required_score"`
	Action        string            `json:"action"`
	Symbols       map[string]Symbol `json:"symbols,omitempty"`
	Messages      map[string]string `json:"messages,omitempty"`
	URLs          []string          `json:"urls,omitempty"`
	Emails        []string          `json:"emails,omitempty"`
	MessageID     string            `json:"message-id,omitempty"`
	TimeReal      float64           `json:"time_real"`
	ScanTime      float64           `json:"scan_time"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Symbol is one matched symbol in the reply.
type Symbol struct {
	Name    string   `json:"name"`
	Score   float64  `json:"score"`
	Options []string `json:"options,omitempty"`
}

// Handler implements task.ProtocolHooks.
type Handler struct{}

// NewHandler creates the protocol hook set.
func NewHandler() *Handler {
	return &Handler{}
}

// HandleRequestHeaders copies the request pseudo-headers onto the task and
// interprets the known ones. Malformed addresses and IPs are tolerated;
// a malformed message length is not, since the body cannot be framed
// without it.
func (h *Handler) HandleRequestHeaders(t *task.Task, req *task.Request) error {
	for k, v := range req.Headers {
		t.RequestHeaders.Set(k, v)
	}

	hdr := t.RequestHeaders

	if v := hdr.Get("from"); v != "" {
		t.FromEnvelope = parseAddress(v)
	}
	if v := hdr.Get("rcpt"); v != "" {
		t.RcptEnvelope = parseAddressList(v)
	}
	if v := hdr.Get("deliver-to"); v != "" {
		t.DeliverTo = strings.ToLower(v)
	}
	if v := hdr.Get("queue-id"); v != "" {
		t.QueueID = v
	}
	if v := hdr.Get("user"); v != "" {
		t.User = v
	}
	if v := hdr.Get("hostname"); v != "" {
		t.Hostname = v
	}
	if v := hdr.Get("subject"); v != "" {
		t.Subject = v
	}
	if v := hdr.Get("ip"); v != "" {
		if ip := net.ParseIP(v); ip != nil {
			t.ClientIP = ip
		} else {
			logger.Warn("unparseable ip header", "scan_id", t.ScanID, "ip", v)
		}
	}
	if truthy(hdr.Get("pass-all")) || hdr.Get("pass") == "all" {
		t.SetFlag(task.FlagPassAll)
	}
	if truthy(hdr.Get("autolearn")) {
		t.SetFlag(task.FlagLearnAuto)
	}
	if truthy(hdr.Get("learn-spam")) {
		t.MarkForLearning(true, classifierName(hdr.Get("classifier")))
	}
	if truthy(hdr.Get("learn-ham")) {
		t.MarkForLearning(false, classifierName(hdr.Get("classifier")))
	}
	if v := hdr.Get("settings"); v != "" {
		var settings map[string]any
		if err := json.Unmarshal([]byte(v), &settings); err != nil {
			logger.Warn("unparseable settings header",
				"scan_id", t.ScanID, "error", err)
		} else {
			h.HandleControlChunk(t, settings)
		}
	}
	if v := hdr.Get("message-length"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message-length header %q: %w", v, err)
		}
		t.MessageLen = n
		t.SetFlag(task.FlagHasControl)
	}

	return nil
}

// HandleControlChunk applies the control preamble keys. Unknown keys are
// ignored.
func (h *Handler) HandleControlChunk(t *task.Task, control map[string]any) {
	if b, ok := control["learn_spam"].(bool); ok && b {
		t.MarkForLearning(true, stringKey(control, "classifier"))
	}
	if b, ok := control["learn_ham"].(bool); ok && b {
		t.MarkForLearning(false, stringKey(control, "classifier"))
	}
	if b, ok := control["pass_all"].(bool); ok && b {
		t.SetFlag(task.FlagPassAll)
	}
	if b, ok := control["autolearn"].(bool); ok && b {
		t.SetFlag(task.FlagLearnAuto)
	}
	if b, ok := control["no_log"].(bool); ok && b {
		t.SetFlag(task.FlagNoLog)
	}
}

// WriteReply serializes the reply for a completed task onto its reply
// writer.
func (h *Handler) WriteReply(t *task.Task) {
	if t.ReplyWriter == nil {
		logger.Warn("task has no reply writer", "scan_id", t.ScanID)
		return
	}

	reply := BuildReply(t)
	if err := json.NewEncoder(t.ReplyWriter).Encode(reply); err != nil {
		logger.Error("failed to write reply", "scan_id", t.ScanID, "error", err)
	}
}

// BuildReply folds the task state into the reply schema.
func BuildReply(t *task.Task) *Reply {
	res := t.Result()

	reply := &Reply{
		IsSkipped:     t.IsSkipped(),
		Score:         res.Score,
		RequiredScore: res.RequiredScore,
		Action:        t.Action().String(),
		MessageID:     t.MessageID,
		TimeReal:      time.Since(t.StartTime).Seconds(),
	}
	reply.ScanTime = reply.TimeReal

	if len(res.Symbols) > 0 {
		reply.Symbols = make(map[string]Symbol, len(res.Symbols))
		for name, sym := range res.Symbols {
			reply.Symbols[name] = Symbol{
				Name:    sym.Name,
				Score:   sym.Score,
				Options: sym.Options,
			}
		}
	}

	if t.PreResult.Action != task.ActionUnset && t.PreResult.Message != "" {
		reply.Messages = map[string]string{"smtp_message": t.PreResult.Message}
	}
	if t.Err != nil {
		if reply.Messages == nil {
			reply.Messages = make(map[string]string)
		}
		reply.Messages["error"] = t.Err.Error()
	}

	for u := range t.URLs {
		reply.URLs = append(reply.URLs, u)
	}
	for e := range t.Emails {
		reply.Emails = append(reply.Emails, e)
	}

	if len(t.ReplyHeaders) > 0 {
		reply.Headers = make(map[string]string, len(t.ReplyHeaders))
		for k, v := range t.ReplyHeaders {
			reply.Headers[k] = v
		}
	}

	return reply
}

func parseAddress(v string) *mail.Address {
	addr, err := mail.ParseAddress(v)
	if err != nil {
		// Bare or SMTP-style addresses like <> are common here.
		return &mail.Address{Address: strings.Trim(v, "<>")}
	}
	return addr
}

func parseAddressList(v string) []*mail.Address {
	list, err := mail.ParseAddressList(v)
	if err == nil {
		return list
	}
	var out []*mail.Address
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, &mail.Address{Address: strings.Trim(part, "<>")})
	}
	return out
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func stringKey(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return classifierName(s)
}

func classifierName(s string) string {
	if s == "" {
		return "bayes"
	}
	return s
}
