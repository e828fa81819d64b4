package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/preview-operator/metrics"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	apiwatch "k8s.io/apimachinery/pkg/watch"
)

const readChunkSize = 32 << 10

// Record is one decoded change from a watch stream.
type Record struct {
	Type   apiwatch.EventType
	Object *unstructured.Unstructured
}

// Stream is a single, non-restartable watch response.
type Stream struct {
	ctx  context.Context
	id   string
	body io.ReadCloser

	dec     Decoder
	chunk   []byte
	pending [][]byte
	done    bool
	err     error

	closeOnce sync.Once
}

func newStream(ctx context.Context, id string, body io.ReadCloser) *Stream {
	metrics.WatchStreamsOpen.WithLabelValues(id).Inc()
	return &Stream{
		ctx:   ctx,
		id:    id,
		body:  body,
		chunk: make([]byte, readChunkSize),
	}
}

// Next returns the next record. It returns io.EOF once the server closed the
// stream, the watch was cancelled through its context, or the server sent an
// ERROR record. Lines that are not valid records are logged and skipped.
func (s *Stream) Next() (Record, error) {
	for {
		for len(s.pending) > 0 {
			line := s.pending[0]
			s.pending = s.pending[1:]
			if rec, ok := s.decode(line); ok {
				return rec, nil
			}
		}
		if s.done {
			if s.err != nil {
				return Record{}, s.err
			}
			return Record{}, io.EOF
		}

		n, err := s.body.Read(s.chunk)
		if n > 0 {
			s.pending = s.dec.Write(s.chunk[:n])
		}
		if err != nil {
			s.done = true
			if last := s.dec.Flush(); last != nil {
				s.pending = append(s.pending, last)
			}
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.err = fmt.Errorf("reading watch stream for %s: %w", s.id, err)
			}
		}
	}
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.body.Close()
		metrics.WatchStreamsOpen.WithLabelValues(s.id).Dec()
	})
}

type rawRecord struct {
	Type   apiwatch.EventType `json:"type"`
	Object json.RawMessage    `json:"object"`
}

func (s *Stream) decode(line []byte) (Record, bool) {
	var raw rawRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		s.decodeError("invalid watch record", err)
		return Record{}, false
	}

	switch raw.Type {
	case apiwatch.Added, apiwatch.Modified, apiwatch.Deleted:
	case apiwatch.Bookmark:
		return Record{}, false
	case apiwatch.Error:
		var status metav1.Status
		_ = json.Unmarshal(raw.Object, &status)
		clog.WarnContext(s.ctx, "watch stream reported an error, ending stream",
			"resource", s.id, "code", status.Code, "reason", status.Reason, "message", status.Message)
		s.done = true
		s.pending = nil
		return Record{}, false
	default:
		s.decodeError("unknown watch record type", fmt.Errorf("type %q", raw.Type))
		return Record{}, false
	}

	var obj map[string]interface{}
	if len(raw.Object) > 0 {
		if err := utiljson.Unmarshal(raw.Object, &obj); err != nil {
			s.decodeError("invalid watch record object", err)
			return Record{}, false
		}
	}

	metrics.WatchEvents.WithLabelValues(s.id, string(raw.Type)).Inc()
	return Record{Type: raw.Type, Object: &unstructured.Unstructured{Object: obj}}, true
}

func (s *Stream) decodeError(msg string, err error) {
	metrics.WatchDecodeErrors.WithLabelValues(s.id).Inc()
	clog.WarnContext(s.ctx, msg, "resource", s.id, "error", err)
}
