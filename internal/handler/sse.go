package handler

import (
	"bytes"
	"fmt"
	"io"
)

// Event is one server-sent event on a run's output or status stream.
type Event struct {
	ID      []byte
	Data    []byte
	Event   []byte
	Retry   []byte
	Comment []byte
}

// MarshalTo writes the text/event-stream framing. Data spanning several
// lines gets one data: field per line; an event carrying neither data nor
// comment writes nothing.
func (ev *Event) MarshalTo(w io.Writer) error {
	if len(ev.Data) == 0 && len(ev.Comment) == 0 {
		return nil
	}

	if len(ev.Data) > 0 {
		if err := writeField(w, "id", ev.ID); err != nil {
			return err
		}
		for _, line := range bytes.Split(ev.Data, []byte("\n")) {
			if err := writeField(w, "data", line); err != nil {
				return err
			}
		}
		if len(ev.Event) > 0 {
			if err := writeField(w, "event", ev.Event); err != nil {
				return err
			}
		}
		if len(ev.Retry) > 0 {
			if err := writeField(w, "retry", ev.Retry); err != nil {
				return err
			}
		}
	}

	if len(ev.Comment) > 0 {
		if _, err := fmt.Fprintf(w, ": %s\n", ev.Comment); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, "\n")
	return err
}

func writeField(w io.Writer, name string, value []byte) error {
	_, err := fmt.Fprintf(w, "%s: %s\n", name, value)
	return err
}
