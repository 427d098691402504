package module

import (
	"errors"
	"fmt"
	"strings"
)

// ID identifies a module record across the cluster.
type ID string

func (id ID) String() string { return string(id) }

// ErrNotFound is returned by storage lookups for ids that no longer exist.
var ErrNotFound = errors.New("module not found")

// Type is the kind of extension a module carries.
type Type int

const (
	ModularAssertion Type = iota + 1
	CustomAssertion
)

var typeNames = map[Type]string{
	ModularAssertion: "MODULAR_ASSERTION",
	CustomAssertion:  "CUSTOM_ASSERTION",
}

// Types lists every supported module type in a stable order.
func Types() []Type {
	return []Type{ModularAssertion, CustomAssertion}
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// DirName is the staging subdirectory used for modules of this type.
func (t Type) DirName() string {
	switch t {
	case ModularAssertion:
		return "modular"
	case CustomAssertion:
		return "custom"
	default:
		return ""
	}
}

// ParseType accepts the canonical name or the short directory name.
func ParseType(s string) (Type, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if norm == name || norm == strings.ToUpper(t.DirName()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unsupported module type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unsupported module type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// State is the deployment state of a module on one cluster node.
type State int

const (
	Uploaded State = iota
	Staged
	Deployed
	Loaded
	Error
)

var stateNames = [...]string{
	Uploaded: "UPLOADED",
	Staged:   "STAGED",
	Deployed: "DEPLOYED",
	Loaded:   "LOADED",
	Error:    "ERROR",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func ParseState(s string) (State, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range stateNames {
		if name == norm {
			return State(i), nil
		}
	}
	return Uploaded, fmt.Errorf("unknown module state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
