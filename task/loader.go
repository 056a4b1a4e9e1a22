package task

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/migadu/mailscan/helpers"
	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/pkg/metrics"
)

// shmDir is where POSIX shared memory segments surface on Linux.
const shmDir = "/dev/shm"

// LoadMessage resolves the task's message view from one of three sources,
// in priority order: a shared-memory segment named by the "shm" request
// header, a file named by the "file" (or "path") header, or the inline
// bytes supplied by the caller. Mapped sources register an unmap destructor
// on the task pool; inline bytes stay owned by the caller and must outlive
// the task.
//
// On failure the structured load error is recorded on the task and
// returned; the task must then be replied to and freed without driving the
// scheduler.
func (t *Task) LoadMessage(req *Request, data []byte) error {
	if req != nil && t.Providers != nil && t.Providers.Protocol != nil {
		if err := t.Providers.Protocol.HandleRequestHeaders(t, req); err != nil {
			return t.loadError("inline", "cannot handle request headers", err)
		}
	}

	if name := t.RequestHeaders.Get("shm"); name != "" {
		return t.loadFromShm(name)
	}

	if path := t.RequestHeaders.Get("file"); path != "" {
		return t.loadFromFile(path)
	}
	if path := t.RequestHeaders.Get("path"); path != "" {
		return t.loadFromFile(path)
	}

	return t.loadInline(data)
}

func (t *Task) loadFromShm(name string) error {
	seg := helpers.DecodeRequestPath(name)
	path := filepath.Join(shmDir, strings.TrimPrefix(seg, "/"))

	fd, err := unix.Open(path, unix.O_RDONLY, 0o600)
	if err != nil {
		return t.loadError("shm",
			fmt.Sprintf("cannot open shm segment (%s)", seg), err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return t.loadError("shm",
			fmt.Sprintf("cannot stat shm segment (%s)", seg), err)
	}

	size := uint64(st.Size)
	if err := t.checkMessageSize(size); err != nil {
		unix.Close(fd)
		return err
	}

	mapped, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		return t.loadError("shm",
			fmt.Sprintf("cannot mmap shm segment (%s)", seg), err)
	}

	var offset uint64
	if v := t.RequestHeaders.Get("shm-offset"); v != "" {
		offset, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			unix.Munmap(mapped)
			return t.loadError("shm",
				fmt.Sprintf("invalid offset value (%s) for shm segment %s", v, seg), err)
		}
		if offset > size {
			unix.Munmap(mapped)
			return t.loadError("shm",
				fmt.Sprintf("invalid offset %d (%d available) for shm segment %s",
					offset, size, seg), nil)
		}
	}

	length := size
	if v := t.RequestHeaders.Get("shm-length"); v != "" {
		length, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			unix.Munmap(mapped)
			return t.loadError("shm",
				fmt.Sprintf("invalid length value (%s) for shm segment %s", v, seg), err)
		}
		if length > size {
			unix.Munmap(mapped)
			return t.loadError("shm",
				fmt.Sprintf("invalid length %d (%d available) for shm segment %s",
					length, size, seg), nil)
		}
	}
	if offset+length > size {
		length = size - offset
	}

	t.Msg = mapped[offset : offset+length]
	t.SetFlag(FlagFile)
	t.registerUnmap(mapped)
	metrics.MessageBytes.Observe(float64(len(t.Msg)))

	logger.Info("loaded message from shared memory",
		"scan_id", t.ScanID, "segment", seg, "size", length, "offset", offset)

	return nil
}

func (t *Task) loadFromFile(raw string) error {
	path := helpers.DecodeRequestPath(raw)

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return t.loadError("file",
			fmt.Sprintf("cannot open file (%s)", path), err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return t.loadError("file",
			fmt.Sprintf("invalid file (%s)", path), err)
	}

	size := uint64(st.Size)
	if err := t.checkMessageSize(size); err != nil {
		unix.Close(fd)
		return err
	}

	if size == 0 {
		unix.Close(fd)
		t.Msg = nil
		t.SetFlag(FlagFile | FlagEmpty)
		logger.Info("loaded empty message from file", "scan_id", t.ScanID, "file", path)
		return nil
	}

	mapped, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		return t.loadError("file",
			fmt.Sprintf("cannot mmap file (%s)", path), err)
	}

	t.Msg = mapped
	t.SetFlag(FlagFile)
	t.registerUnmap(mapped)
	metrics.MessageBytes.Observe(float64(len(t.Msg)))

	logger.Info("loaded message from file",
		"scan_id", t.ScanID, "file", path, "size", size)

	return nil
}

func (t *Task) loadInline(data []byte) error {
	logger.Debug("got inline input", "scan_id", t.ScanID, "length", len(data))

	t.Msg = data
	if len(t.Msg) == 0 {
		t.SetFlag(FlagEmpty)
	}

	if t.Flags.Has(FlagHasControl) {
		if err := t.consumeControlChunk(); err != nil {
			return err
		}
	}

	metrics.MessageBytes.Observe(float64(len(t.Msg)))

	return nil
}

// consumeControlChunk slices the structured preamble off the message view.
// The declared message length locates the boundary; a preamble that fails
// to parse is logged and skipped, with the view still advancing past it.
func (t *Task) consumeControlChunk() error {
	if uint64(len(t.Msg)) < t.MessageLen {
		logger.Warn("message has invalid declared length",
			"scan_id", t.ScanID,
			"declared", t.MessageLen, "total", len(t.Msg))
		return t.loadError("inline", "invalid length", nil)
	}

	controlLen := uint64(len(t.Msg)) - t.MessageLen
	if controlLen == 0 {
		return nil
	}

	var control map[string]any
	if err := json.Unmarshal(t.Msg[:controlLen], &control); err != nil {
		logger.Warn("processing of control chunk failed",
			"scan_id", t.ScanID, "error", err)
	} else if t.Providers != nil && t.Providers.Protocol != nil {
		t.Providers.Protocol.HandleControlChunk(t, control)
	}

	t.Msg = t.Msg[controlLen:]
	if len(t.Msg) == 0 {
		t.SetFlag(FlagEmpty)
	}

	return nil
}

func (t *Task) checkMessageSize(size uint64) error {
	if t.Cfg == nil || t.Cfg.Scan.MaxMessageSize <= 0 {
		return nil
	}
	if size > uint64(t.Cfg.Scan.MaxMessageSize) {
		return t.loadError("file",
			fmt.Sprintf("message too large: %d bytes (%d allowed)",
				size, t.Cfg.Scan.MaxMessageSize), nil)
	}
	return nil
}

// registerUnmap schedules the whole mapping for unmap at pool teardown,
// even when only a sub-range of it is exposed as the message view.
func (t *Task) registerUnmap(mapped []byte) {
	t.Pool.AddDestructor(func() {
		if err := unix.Munmap(mapped); err != nil {
			logger.Error("failed to unmap message", "scan_id", t.ScanID, "error", err)
		}
	})
}

func (t *Task) loadError(source, detail string, cause error) error {
	le := &LoadError{Source: source, Detail: detail, Cause: cause}
	t.Err = le
	metrics.LoadErrorsTotal.WithLabelValues(source).Inc()
	return le
}
