package wire

import (
	"bufio"
	"io"
	"strings"
)

const maxSSELineSize = 64 * 1024

// newSSEScanner returns a bufio.Scanner configured for reading SSE lines
// with a 64KB buffer, matching internal/provider/sseutil.NewScanner sizing.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxSSELineSize)
	return s
}

// parseSSELine splits one SSE line into its event type or data payload.
// ok is false for blank lines, comments, and lines with no recognized key.
func parseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// writeSSE appends one "event: x\ndata: y\n\n" frame to buf.
func writeSSE(buf *strings.Builder, event string, data []byte) {
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
}

// ScanSSE reads r line by line and invokes fn once per complete frame
// (event, data, and the frame's raw bytes including the trailing blank
// line), matching the scanner/line-parser shape of sseutil.NewScanner plus
// ParseSSELine but accumulating multi-line frames itself rather than
// leaving that to the caller. fn's error, if any, stops the scan and is
// returned.
func ScanSSE(r io.Reader, fn func(event, data string, raw []byte) error) error {
	scanner := newSSEScanner(r)
	var event string
	var data strings.Builder
	var raw strings.Builder

	flush := func() error {
		if raw.Len() == 0 {
			return nil
		}
		err := fn(event, data.String(), []byte(raw.String()))
		event, data, raw = "", strings.Builder{}, strings.Builder{}
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		raw.WriteString(line)
		raw.WriteByte('\n')

		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		ev, d, ok := parseSSELine(line)
		if !ok {
			continue
		}
		if ev != "" {
			event = ev
		}
		if d != "" {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(d)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
