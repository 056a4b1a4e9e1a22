package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailscan/config"
	"github.com/migadu/mailscan/task"
)

func newTask(t *testing.T) *task.Task {
	t.Helper()
	tk := task.New(nil, config.NewDefaultConfig())
	t.Cleanup(tk.Free)
	return tk
}

func request(headers map[string]string) *task.Request {
	req := &task.Request{Headers: make(task.Headers)}
	for k, v := range headers {
		req.Headers.Set(k, v)
	}
	return req
}

func TestHandleRequestHeaders(t *testing.T) {
	tk := newTask(t)
	h := NewHandler()

	err := h.HandleRequestHeaders(tk, request(map[string]string{
		"From":       "Alice <alice@example.com>",
		"Rcpt":       "bob@example.com, carol@example.com",
		"Deliver-To": "Bob@Example.com",
		"Queue-Id":   "ABCDEF",
		"User":       "alice",
		"Hostname":   "mx.example.com",
		"Subject":    "hello",
		"IP":         "192.0.2.1",
	}))
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", tk.FromEnvelope.Address)
	require.Len(t, tk.RcptEnvelope, 2)
	assert.Equal(t, "bob@example.com", tk.DeliverTo)
	assert.Equal(t, "ABCDEF", tk.QueueID)
	assert.Equal(t, "alice", tk.User)
	assert.Equal(t, "mx.example.com", tk.Hostname)
	assert.Equal(t, "hello", tk.Subject)
	assert.Equal(t, "192.0.2.1", tk.ClientIP.String())
}

func TestHandleRequestHeadersBareAddresses(t *testing.T) {
	tk := newTask(t)

	err := NewHandler().HandleRequestHeaders(tk, request(map[string]string{
		"From": "<alice@example.com>",
		"Rcpt": "<bob@example.com>,<carol@example.com>",
	}))
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", tk.FromEnvelope.Address)
	require.Len(t, tk.RcptEnvelope, 2)
	assert.Equal(t, "carol@example.com", tk.RcptEnvelope[1].Address)
}

func TestHandleRequestHeadersFlags(t *testing.T) {
	tk := newTask(t)

	err := NewHandler().HandleRequestHeaders(tk, request(map[string]string{
		"Pass-All":   "true",
		"Learn-Spam": "1",
	}))
	require.NoError(t, err)

	assert.True(t, tk.Flags.Has(task.FlagPassAll))
	assert.True(t, tk.Flags.Has(task.FlagLearnSpam))
	assert.Equal(t, "bayes", tk.ClassifierName)
}

func TestHandleRequestHeadersMessageLength(t *testing.T) {
	tk := newTask(t)

	err := NewHandler().HandleRequestHeaders(tk, request(map[string]string{
		"Message-Length": "1234",
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), tk.MessageLen)
	assert.True(t, tk.Flags.Has(task.FlagHasControl))

	err = NewHandler().HandleRequestHeaders(tk, request(map[string]string{
		"Message-Length": "not-a-number",
	}))
	require.Error(t, err)
}

func TestHandleRequestHeadersBadIPTolerated(t *testing.T) {
	tk := newTask(t)

	err := NewHandler().HandleRequestHeaders(tk, request(map[string]string{
		"IP": "not an ip",
	}))
	require.NoError(t, err)
	assert.Nil(t, tk.ClientIP)
}

func TestHandleControlChunk(t *testing.T) {
	tk := newTask(t)
	h := NewHandler()

	h.HandleControlChunk(tk, map[string]any{
		"learn_ham":  true,
		"classifier": "custom",
		"pass_all":   true,
		"no_log":     true,
		"unknown":    42,
	})

	assert.True(t, tk.Flags.Has(task.FlagLearnHam))
	assert.Equal(t, "custom", tk.ClassifierName)
	assert.True(t, tk.Flags.Has(task.FlagPassAll))
	assert.True(t, tk.Flags.Has(task.FlagNoLog))
}

func TestSettingsHeader(t *testing.T) {
	tk := newTask(t)

	err := NewHandler().HandleRequestHeaders(tk, request(map[string]string{
		"Settings": `{"pass_all": true, "autolearn": true}`,
	}))
	require.NoError(t, err)
	assert.True(t, tk.Flags.Has(task.FlagPassAll))
	assert.True(t, tk.Flags.Has(task.FlagLearnAuto))

	err = NewHandler().HandleRequestHeaders(tk, request(map[string]string{
		"Settings": "not json",
	}))
	require.NoError(t, err, "malformed settings are tolerated")
}

func TestWriteReply(t *testing.T) {
	tk := newTask(t)
	tk.MessageID = "id1@example.com"
	tk.InsertResult("TEST_SYMBOL", 7.0, "opt1")
	tk.SetPreResult(task.ActionReject, "go away")
	tk.ReplyHeaders.Set("X-Filter-Mailbox", "Junk")

	var buf bytes.Buffer
	tk.ReplyWriter = &buf
	NewHandler().WriteReply(tk)

	var reply Reply
	require.NoError(t, json.Unmarshal(buf.Bytes(), &reply))

	assert.Equal(t, 7.0, reply.Score)
	assert.Equal(t, 15.0, reply.RequiredScore)
	assert.Equal(t, "reject", reply.Action)
	assert.Equal(t, "id1@example.com", reply.MessageID)
	assert.Equal(t, "go away", reply.Messages["smtp_message"])
	assert.Equal(t, "Junk", reply.Headers["x-filter-mailbox"])

	sym, ok := reply.Symbols["TEST_SYMBOL"]
	require.True(t, ok)
	assert.Equal(t, 7.0, sym.Score)
	assert.Equal(t, []string{"opt1"}, sym.Options)
}

func TestWriteReplyWithoutWriter(t *testing.T) {
	tk := newTask(t)
	NewHandler().WriteReply(tk)
}

func TestBuildReplyReportsError(t *testing.T) {
	tk := newTask(t)
	tk.Err = assert.AnError

	reply := BuildReply(tk)
	assert.Equal(t, assert.AnError.Error(), reply.Messages["error"])
}
