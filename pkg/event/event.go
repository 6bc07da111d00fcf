// Package event holds the report model sent to the ingestion endpoint and the
// fluent Builder used to assemble it.
package event

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// TimestampLayout is the fixed wire layout for Event.Timestamp (UTC, second precision).
const TimestampLayout = "2006-01-02T15:04:05"

// Platform is reported on every event.
const Platform = "go"

// ErrSerialization is returned when an event cannot be turned into a wire payload.
var ErrSerialization = errors.New("event serialization failed")

// Level is the severity of an event.
type Level string

const (
	LevelFatal   Level = "fatal"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
	LevelDebug   Level = "debug"
)

// ParseLevel accepts the wire names, case-insensitively. "warn" is accepted as
// an alias of warning.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fatal":
		return LevelFatal, nil
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// Module is a name/version pair, serialized as a two element array.
type Module struct {
	Name    string
	Version string
}

func (m Module) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{m.Name, m.Version})
}

func (m *Module) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	m.Name, m.Version = pair[0], pair[1]
	return nil
}

// Frame is one stack frame. Function and Lineno are omitted when unknown.
type Frame struct {
	Function string `json:"function,omitempty"`
	Module   string `json:"module"`
	Filename string `json:"filename,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	InApp    bool   `json:"in_app"`
}

type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// Exception describes one error of a causal chain.
type Exception struct {
	Type       string      `json:"type"`
	Value      string      `json:"value"`
	Module     string      `json:"module"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
}

type ExceptionList struct {
	Values []Exception `json:"values"`
}

// Event is a single report. The map fields are never nil on an event made
// by NewBuilder.
type Event struct {
	EventID    string            `json:"event_id"`
	Timestamp  string            `json:"timestamp"`
	Platform   string            `json:"platform"`
	Message    string            `json:"message,omitempty"`
	Level      Level             `json:"level,omitempty"`
	Logger     string            `json:"logger,omitempty"`
	Culprit    string            `json:"culprit,omitempty"`
	Release    string            `json:"release,omitempty"`
	ServerName string            `json:"server_name,omitempty"`
	User       map[string]string `json:"user"`
	Tags       map[string]string `json:"tags"`
	Extra      map[string]string `json:"extra"`
	Modules    []Module          `json:"modules,omitempty"`
	Exception  *ExceptionList    `json:"exception,omitempty"`
}

// Marshal encodes the event into its wire payload.
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s: %v", ErrSerialization, e.EventID, err)
	}
	return data, nil
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.User = cloneMap(e.User)
	c.Tags = cloneMap(e.Tags)
	c.Extra = cloneMap(e.Extra)
	if e.Modules != nil {
		c.Modules = append([]Module(nil), e.Modules...)
	}
	if e.Exception != nil {
		values := make([]Exception, len(e.Exception.Values))
		for i, ex := range e.Exception.Values {
			values[i] = ex
			if ex.Stacktrace != nil {
				values[i].Stacktrace = &Stacktrace{Frames: append([]Frame(nil), ex.Stacktrace.Frames...)}
			}
		}
		c.Exception = &ExceptionList{Values: values}
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
