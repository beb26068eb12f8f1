package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol version negotiated in the init exchange.
const Version = 1

// Control is the decoded header of a control frame. Commands carry
// additional fields that vary by command; Raw preserves the full JSON
// object for relaying and for per-payload argument decoding.
type Control struct {
	Command string `json:"command"`
	Channel string `json:"channel,omitempty"`

	// open
	Payload   string          `json:"payload,omitempty"`
	Host      string          `json:"host,omitempty"`
	Superuser json.RawMessage `json:"superuser,omitempty"`
	Group     string          `json:"group,omitempty"`

	// close
	Problem string `json:"problem,omitempty"`
	Message string `json:"message,omitempty"`

	// init
	Version int `json:"version,omitempty"`

	// authorize
	Cookie    string `json:"cookie,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Response  string `json:"response,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseControl decodes a control frame payload.
func ParseControl(data []byte) (*Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}
	if c.Command == "" {
		return nil, fmt.Errorf("control message without command")
	}
	c.Raw = append(json.RawMessage(nil), data...)
	return &c, nil
}

// SuperuserBool reports whether the open request asked for superuser
// routing. The init command reuses the field as an object; open carries
// a plain boolean (or the string "require").
func (c *Control) SuperuserBool() bool {
	if len(c.Superuser) == 0 {
		return false
	}
	var b bool
	if json.Unmarshal(c.Superuser, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(c.Superuser, &s) == nil {
		return s != "" && s != "none"
	}
	return false
}

// SuperuserID returns the elevation target carried in an init message
// as superuser: {"id": label}.
func (c *Control) SuperuserID() string {
	if len(c.Superuser) == 0 {
		return ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(c.Superuser, &obj) == nil {
		return obj.ID
	}
	return ""
}

// Build assembles a control message. The channel may be empty for
// process-wide commands; extra fields are merged on top of the header.
func Build(command, channel string, extra map[string]any) []byte {
	obj := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		obj[k] = v
	}
	obj["command"] = command
	if channel != "" {
		obj["channel"] = channel
	}
	b, err := json.Marshal(obj)
	if err != nil {
		// Only reachable with non-serializable extras, which would be
		// a programming error on the sending side.
		panic(err)
	}
	return b
}
