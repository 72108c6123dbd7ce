package upstream

import (
	"bufio"
	"io"
	"net/url"
	"strings"
)

// maxLineSize bounds a single SSE line; tool catalogs can be large.
const maxLineSize = 4 * 1024 * 1024

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// ReadEvents parses a text/event-stream body and calls fn for each event.
// Events without an explicit type are reported as "message". Returning an
// error from fn stops the read.
func ReadEvents(body io.Reader, fn func(SSEEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var eventType, id string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) > 0 {
				ev := SSEEvent{Event: eventType, Data: strings.Join(dataLines, "\n"), ID: id}
				if ev.Event == "" {
					ev.Event = "message"
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			id = value
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// ResolveEndpoint resolves an endpoint announcement against the stream URL.
func ResolveEndpoint(streamURL, ref string) (string, error) {
	base, err := url.Parse(streamURL)
	if err != nil {
		return "", err
	}
	target, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(target).String(), nil
}
