package robot

import (
	"encoding/json"
	"fmt"
)

// Command names understood by the device.
const (
	CmdMove = "move"
	CmdFace = "face"
	CmdSay  = "say"
)

// lineDelimiter terminates every command on the wire.
const lineDelimiter = '\n'

// Command is one device instruction. It is never persisted or batched.
//
// Fields holds the type-specific payload (pan/tilt for move, val for face
// and say). Values are sent exactly as given; a nil value encodes as null.
type Command struct {
	Name   string
	Fields map[string]any
}

// Move builds a pan/tilt command.
func Move(pan, tilt any) Command {
	return Command{Name: CmdMove, Fields: map[string]any{"pan": pan, "tilt": tilt}}
}

// Face builds an expression change command.
func Face(val any) Command {
	return Command{Name: CmdFace, Fields: map[string]any{"val": val}}
}

// Say builds a speech command.
func Say(val any) Command {
	return Command{Name: CmdSay, Fields: map[string]any{"val": val}}
}

// Encode serialises the command as a single JSON object followed by a newline:
//
//	{"cmd":"move","pan":10,"tilt":-5}\n
//
// The "cmd" key always carries Name, even if Fields contains a "cmd" entry.
func (c Command) Encode() ([]byte, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("%w: empty command name", ErrInvalidCommand)
	}

	obj := make(map[string]any, len(c.Fields)+1)
	for k, v := range c.Fields {
		obj[k] = v
	}
	obj["cmd"] = c.Name

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return append(data, lineDelimiter), nil
}

// String returns the encoded form without the trailing newline, for logs.
func (c Command) String() string {
	data, err := c.Encode()
	if err != nil {
		return c.Name
	}
	return string(data[:len(data)-1])
}
