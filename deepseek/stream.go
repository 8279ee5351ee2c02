package deepseek

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// doneSentinel is the distinguished payload marking normal end-of-stream.
const doneSentinel = "[DONE]"

var dataPrefix = []byte("data:")

// FrameScanner splits the raw byte stream into newline-delimited frames and
// extracts the data payloads. Blank and non-data lines are dropped; the
// [DONE] sentinel flips Done and stops extraction. The zero value is ready
// to use.
type FrameScanner struct {
	buf  []byte
	done bool
}

// Feed appends a chunk and returns the payloads of any complete data frames
// it closed off, in arrival order.
func (s *FrameScanner) Feed(chunk []byte) [][]byte {
	if s.done {
		return nil
	}
	s.buf = append(s.buf, chunk...)
	var payloads [][]byte
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := s.buf[:i]
		s.buf = s.buf[i+1:]
		if p, ok := s.payload(line); ok {
			payloads = append(payloads, p)
		}
		if s.done {
			break
		}
	}
	return payloads
}

// Flush returns the payload of a final unterminated frame, if any. Called
// once when the input ends without the sentinel.
func (s *FrameScanner) Flush() ([]byte, bool) {
	if s.done || len(s.buf) == 0 {
		return nil, false
	}
	line := s.buf
	s.buf = nil
	return s.payload(line)
}

// Done reports whether the terminal sentinel was seen.
func (s *FrameScanner) Done() bool {
	return s.done
}

func (s *FrameScanner) payload(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || !bytes.HasPrefix(trimmed, dataPrefix) {
		return nil, false
	}
	p := bytes.TrimSpace(trimmed[len(dataPrefix):])
	if string(p) == doneSentinel {
		s.done = true
		return nil, false
	}
	// copy out: the scan buffer is reused across Feed calls
	return append([]byte(nil), p...), true
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// DecodeDeltas parses one data payload into its incremental content deltas.
// Callers log and skip malformed payloads; a single bad frame never aborts
// the stream.
func DecodeDeltas(payload []byte) ([]string, error) {
	var resp streamResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, "parsing stream payload")
	}
	var deltas []string
	for _, choice := range resp.Choices {
		if choice.Delta.Content != "" {
			deltas = append(deltas, choice.Delta.Content)
		}
	}
	return deltas, nil
}
