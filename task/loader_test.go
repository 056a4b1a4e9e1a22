package task

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailscan/config"
)

type stubProtocol struct {
	headerCalls  int
	headerErr    error
	controlCalls int
	control      map[string]any
	replies      int
}

func (s *stubProtocol) HandleRequestHeaders(t *Task, req *Request) error {
	s.headerCalls++
	if s.headerErr != nil {
		return s.headerErr
	}
	for k, v := range req.Headers {
		t.RequestHeaders.Set(k, v)
	}
	return nil
}

func (s *stubProtocol) HandleControlChunk(t *Task, control map[string]any) {
	s.controlCalls++
	s.control = control
}

func (s *stubProtocol) WriteReply(t *Task) {
	s.replies++
}

func newLoaderTask(t *testing.T) (*Task, *stubProtocol) {
	t.Helper()

	proto := &stubProtocol{}
	task := New(nil, config.NewDefaultConfig())
	task.Providers = &Providers{Protocol: proto}
	t.Cleanup(task.Free)

	return task, proto
}

func TestLoadInline(t *testing.T) {
	task, _ := newLoaderTask(t)

	payload := []byte("From: a@b\r\n\r\nhello")
	require.NoError(t, task.LoadMessage(nil, payload))

	assert.Equal(t, payload, task.Msg)
	assert.False(t, task.IsEmpty())
}

func TestLoadInlineEmptySetsEmptyFlag(t *testing.T) {
	task, _ := newLoaderTask(t)

	require.NoError(t, task.LoadMessage(nil, nil))
	assert.True(t, task.IsEmpty())
	assert.NoError(t, task.Err)
}

func TestLoadFromFile(t *testing.T) {
	task, proto := newLoaderTask(t)

	path := filepath.Join(t.TempDir(), "msg.eml")
	content := []byte("Subject: file test\r\n\r\nbody bytes")
	require.NoError(t, os.WriteFile(path, content, 0644))

	req := &Request{Headers: Headers{}}
	req.Headers.Set("file", path)

	require.NoError(t, task.LoadMessage(req, nil))

	assert.Equal(t, 1, proto.headerCalls)
	assert.Equal(t, content, task.Msg)
	assert.True(t, task.Flags.Has(FlagFile))
}

func TestLoadFromFilePercentEncodedAndQuoted(t *testing.T) {
	task, _ := newLoaderTask(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "with space.eml")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	req := &Request{Headers: Headers{}}
	req.Headers.Set("file", `"`+url.PathEscape(path)+`"`)

	// Quotes survive percent-decode and are then stripped.
	encoded := url.PathEscape(`"` + path + `"`)
	req.Headers.Set("file", encoded)

	require.NoError(t, task.LoadMessage(req, nil))
	assert.Equal(t, []byte("x"), task.Msg)
}

func TestLoadFromFilePathFallbackHeader(t *testing.T) {
	task, _ := newLoaderTask(t)

	path := filepath.Join(t.TempDir(), "msg.eml")
	require.NoError(t, os.WriteFile(path, []byte("via path header"), 0644))

	req := &Request{Headers: Headers{}}
	req.Headers.Set("path", path)

	require.NoError(t, task.LoadMessage(req, nil))
	assert.Equal(t, []byte("via path header"), task.Msg)
}

func TestLoadFromMissingFile(t *testing.T) {
	task, _ := newLoaderTask(t)

	req := &Request{Headers: Headers{}}
	req.Headers.Set("file", filepath.Join(t.TempDir(), "absent.eml"))

	err := task.LoadMessage(req, nil)
	require.Error(t, err)

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "file", le.Source)
	assert.Same(t, err, task.Err)
}

func TestLoadFromFileTooLarge(t *testing.T) {
	task, _ := newLoaderTask(t)
	task.Cfg.Scan.MaxMessageSize = 4

	path := filepath.Join(t.TempDir(), "big.eml")
	require.NoError(t, os.WriteFile(path, []byte("way too big"), 0644))

	req := &Request{Headers: Headers{}}
	req.Headers.Set("file", path)

	err := task.LoadMessage(req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

// shmSegment creates a backing file the way shm_open does on Linux and
// returns the segment name to pass in the "shm" header.
func shmSegment(t *testing.T, content []byte) string {
	t.Helper()

	f, err := os.CreateTemp("/dev/shm", "mailscan-test-*")
	if err != nil {
		t.Skipf("cannot create shm segment: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })

	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	return filepath.Base(f.Name())
}

func TestLoadFromShm(t *testing.T) {
	task, _ := newLoaderTask(t)

	content := []byte("0123456789abcdef")
	seg := shmSegment(t, content)

	req := &Request{Headers: Headers{}}
	req.Headers.Set("shm", seg)

	require.NoError(t, task.LoadMessage(req, nil))
	assert.Equal(t, content, task.Msg)
	assert.True(t, task.Flags.Has(FlagFile))
}

func TestLoadFromShmSubRange(t *testing.T) {
	task, _ := newLoaderTask(t)

	seg := shmSegment(t, []byte("0123456789abcdef"))

	req := &Request{Headers: Headers{}}
	req.Headers.Set("shm", seg)
	req.Headers.Set("shm-offset", "4")
	req.Headers.Set("shm-length", "8")

	require.NoError(t, task.LoadMessage(req, nil))
	assert.Equal(t, []byte("456789ab"), task.Msg)
}

func TestLoadFromShmInvalidOffset(t *testing.T) {
	task, _ := newLoaderTask(t)

	seg := shmSegment(t, []byte("short"))

	req := &Request{Headers: Headers{}}
	req.Headers.Set("shm", seg)
	req.Headers.Set("shm-offset", "100")

	err := task.LoadMessage(req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid offset")
	assert.Nil(t, task.Msg, "no view may remain after a failed load")
}

func TestLoadFromShmInvalidLength(t *testing.T) {
	task, _ := newLoaderTask(t)

	seg := shmSegment(t, []byte("short"))

	req := &Request{Headers: Headers{}}
	req.Headers.Set("shm", seg)
	req.Headers.Set("shm-length", "4096")

	err := task.LoadMessage(req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid length")
}

func TestLoadFromShmUnparsableOffset(t *testing.T) {
	task, _ := newLoaderTask(t)

	seg := shmSegment(t, []byte("0123456789abcdef"))

	req := &Request{Headers: Headers{}}
	req.Headers.Set("shm", seg)
	req.Headers.Set("shm-offset", "bogus")

	err := task.LoadMessage(req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid offset value")

	task2, _ := newLoaderTask(t)
	req2 := &Request{Headers: Headers{}}
	req2.Headers.Set("shm", seg)
	req2.Headers.Set("shm-length", "-1")

	err = task2.LoadMessage(req2, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid length value")
}

func TestLoadFromMissingShmSegment(t *testing.T) {
	task, _ := newLoaderTask(t)

	req := &Request{Headers: Headers{}}
	req.Headers.Set("shm", "mailscan-test-definitely-absent")

	err := task.LoadMessage(req, nil)
	require.Error(t, err)

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "shm", le.Source)
}

func TestControlChunkConsumed(t *testing.T) {
	task, proto := newLoaderTask(t)

	body := []byte("Subject: hi\r\n\r\nreal message")
	control := []byte(`{"learn_spam":true,"flags":["no_log"]}`)
	payload := append(append([]byte{}, control...), body...)

	task.SetFlag(FlagHasControl)
	task.MessageLen = uint64(len(body))

	require.NoError(t, task.LoadMessage(nil, payload))

	assert.Equal(t, 1, proto.controlCalls)
	assert.Equal(t, true, proto.control["learn_spam"])
	assert.Equal(t, body, task.Msg)
}

func TestControlChunkInvalidDeclaredLength(t *testing.T) {
	task, _ := newLoaderTask(t)

	task.SetFlag(FlagHasControl)
	task.MessageLen = 1000

	err := task.LoadMessage(nil, []byte("tiny"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid length")
}

func TestControlChunkParseFailureTolerated(t *testing.T) {
	task, proto := newLoaderTask(t)

	body := []byte("real message")
	payload := append([]byte("not-json!!"), body...)

	task.SetFlag(FlagHasControl)
	task.MessageLen = uint64(len(body))

	require.NoError(t, task.LoadMessage(nil, payload))

	assert.Equal(t, 0, proto.controlCalls)
	assert.Equal(t, body, task.Msg, "view still advances past the bad chunk")
	assert.NoError(t, task.Err)
}

func TestHandleRequestHeadersFailureAborts(t *testing.T) {
	task, proto := newLoaderTask(t)
	proto.headerErr = fmt.Errorf("bad header")

	err := task.LoadMessage(&Request{Headers: Headers{}}, []byte("x"))
	require.Error(t, err)
	assert.Error(t, task.Err)
}
