package audit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/modsync/src/module"
	logs "github.com/danmuck/smplog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// frameHeaderSize is the big-endian length prefix in front of every frame.
const frameHeaderSize = 4

// maxFrameSize bounds a single decoded frame.
const maxFrameSize = 1 << 20

// FileSink appends events to a file as length-prefixed protobuf frames.
type FileSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileSink{path: path, f: f}, nil
}

func (s *FileSink) Audit(e Event) {
	frame, err := EncodeFrame(e)
	if err != nil {
		logs.Warnf("audit: failed to encode %s: %v", e.Action, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	if _, err := s.f.Write(frame); err != nil {
		logs.Warnf("audit: failed to append to %s: %v", s.path, err)
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// EncodeFrame marshals e into a length-prefixed protobuf frame.
func EncodeFrame(e Event) ([]byte, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"action":    e.Action.String(),
		"module_id": string(e.ModuleID),
		"name":      e.Name,
		"type":      e.Type.String(),
		"file_name": e.FileName,
		"node_id":   e.NodeID,
		"message":   e.Message,
		"time":      e.Time.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	out, err := proto.Marshal(msg)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, frameHeaderSize, frameHeaderSize+len(out))
	binary.BigEndian.PutUint32(hdr, uint32(len(out)))
	return append(hdr, out...), nil
}

// DecodeFrame reads one frame from r. It returns io.EOF at a clean end of
// stream.
func DecodeFrame(r io.Reader) (Event, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Event{}, err
	}
	size := binary.BigEndian.Uint32(hdr)
	if size > maxFrameSize {
		return Event{}, fmt.Errorf("audit frame too large: %d bytes", size)
	}
	buf := make([]byte, int(size))
	if _, err := io.ReadFull(r, buf); err != nil {
		return Event{}, fmt.Errorf("truncated audit frame: %w", err)
	}

	msg := &structpb.Struct{}
	if err := proto.Unmarshal(buf, msg); err != nil {
		return Event{}, fmt.Errorf("failed to decode audit frame: %w", err)
	}
	fields := msg.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }

	var err error
	ev := Event{
		ModuleID: module.ID(str("module_id")),
		Name:     str("name"),
		FileName: str("file_name"),
		NodeID:   str("node_id"),
		Message:  str("message"),
	}
	if ev.Action, err = ParseAction(str("action")); err != nil {
		return Event{}, err
	}
	if t := str("type"); t != "" {
		if typ, err := module.ParseType(t); err == nil {
			ev.Type = typ
		}
	}
	if ts := str("time"); ts != "" {
		if ev.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return Event{}, fmt.Errorf("invalid audit timestamp %q: %w", ts, err)
		}
	}
	return ev, nil
}

// ReadFrames decodes every frame in the audit log at path.
func ReadFrames(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	for {
		ev, err := DecodeFrame(f)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
