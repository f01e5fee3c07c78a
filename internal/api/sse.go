package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/drover-project/drover/internal/types"
)

// Event is one record pulled off the server-push stream. Data is the raw
// payload (multiple data lines newline-joined); the stream is
// payload-agnostic, so the caller JSON-decodes Data itself.
type Event struct {
	Tag   string // the event: field, empty for untagged records
	ID    string // the id: field, if any
	Retry string // the retry: field, if any
	Data  string
}

// sseReader incrementally assembles push-event blocks from a line stream.
// 按行增量解析服务端推送事件：空行结束一个块，data 行拼接为记录
type sseReader struct {
	r *bufio.Reader

	// current block state
	tag   string
	id    string
	retry string
	data  []string
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

// next returns the next complete record. It returns io.EOF when the stream
// ends; a partially assembled block at EOF or on an I/O error is discarded,
// never emitted.
func (s *sseReader) next() (*Event, error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			// 丢弃未完成的块
			s.reset()
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, types.WrapError(types.ErrTransport, err, "event stream read failed")
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line: block boundary. Emit only if the block carried data.
		if line == "" {
			if len(s.data) > 0 {
				ev := &Event{
					Tag:   s.tag,
					ID:    s.id,
					Retry: s.retry,
					Data:  strings.Join(s.data, "\n"),
				}
				s.reset()
				return ev, nil
			}
			s.reset()
			continue
		}

		// Comment line (keep-alives look like ":ping")
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := splitField(line)
		if !ok {
			// 无冒号的行不携带字段值，不参与组装
			continue
		}
		switch field {
		case "data":
			s.data = append(s.data, value)
		case "event":
			s.tag = value
		case "id":
			s.id = value
		case "retry":
			s.retry = value
		default:
			// Unrecognized field: ignored per the event-stream format
		}
	}
}

func (s *sseReader) reset() {
	s.tag = ""
	s.id = ""
	s.retry = ""
	s.data = nil
}

// splitField breaks "data: value" into its field name and value. A single
// space after the colon is not part of the value. Lines without a colon
// carry no value and report ok == false.
func splitField(line string) (field, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value, true
}

// EventStream is a lazy, unbounded sequence of events tied to one live HTTP
// connection. It is not restartable; reconnecting is the caller's concern.
type EventStream struct {
	resp   *http.Response
	reader *sseReader
}

// Next blocks until the next record arrives. It returns io.EOF when the
// server closes the connection.
func (s *EventStream) Next() (*Event, error) {
	return s.reader.next()
}

// Close aborts the stream by closing the underlying connection
func (s *EventStream) Close() error {
	return s.resp.Body.Close()
}

// Events opens the long-lived GET /events feed. The request carries the same
// per-request auth selection as every other call, except that kerberos is
// not supported on this path: a held kerberos session is rejected here
// rather than silently attempted.
func (a *API) Events(ctx context.Context) (*EventStream, error) {
	a.mu.RLock()
	held := a.auth
	a.mu.RUnlock()

	if held != nil && held.Eauth == EauthKerberos {
		return nil, types.NewError(types.ErrNegotiateUnavailable,
			"the event stream does not support kerberos authentication")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.constructURL("events"), nil)
	if err != nil {
		return nil, types.WrapError(types.ErrConfiguration, err, "failed to build event stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	if held != nil && held.Token != "" {
		req.Header.Set("X-Auth-Token", held.Token)
	}

	// The dispatch client enforces a request timeout; the event feed lives
	// for the whole connection, so it gets a timeout-free clone.
	streamClient := *a.client
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ErrTransport, err, "event stream connection failed")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, types.NewError(types.ErrAuthenticationDenied, "authentication denied by /events")
	case resp.StatusCode == http.StatusInternalServerError:
		resp.Body.Close()
		return nil, types.NewError(types.ErrServerError, "server error from /events")
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, types.NewError(types.ErrServerError, "unexpected status %d from /events", resp.StatusCode)
	}

	if a.log != nil {
		a.log.Debug("event stream connected")
	}

	return &EventStream{resp: resp, reader: newSSEReader(resp.Body)}, nil
}
