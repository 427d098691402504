package module

import (
	"maps"
	"strings"
	"time"
)

// PropFileName is the record property holding the on-disk file name.
const PropFileName = "moduleFileName"

// Record is the metadata of an uploaded module. The module bytes are never
// carried here; they are streamed from storage on demand.
type Record struct {
	ID         ID                `toml:"id"`
	Name       string            `toml:"name"`
	Type       Type              `toml:"type"`
	Digest     string            `toml:"digest"` // hex sha-256 of the module bytes
	Size       int64             `toml:"size"`
	Properties map[string]string `toml:"properties,omitempty"`
	Created    time.Time         `toml:"created"`
	Modified   time.Time         `toml:"modified"`
}

// FileName returns the trimmed file-name property, or "" when unset.
func (r *Record) FileName() string {
	if r == nil || r.Properties == nil {
		return ""
	}
	return strings.TrimSpace(r.Properties[PropFileName])
}

func (r *Record) SetFileName(name string) {
	if r.Properties == nil {
		r.Properties = make(map[string]string)
	}
	r.Properties[PropFileName] = name
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Properties != nil {
		c.Properties = maps.Clone(r.Properties)
	}
	return &c
}

func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}
	return "module " + string(r.ID) + " (" + r.Type.String() + ", name \"" + r.Name + "\", file \"" + r.FileName() + "\")"
}

// NodeState is the deployment state of one module on one cluster node.
type NodeState struct {
	NodeID       string    `toml:"node_id"`
	State        State     `toml:"state"`
	ErrorMessage string    `toml:"error_message,omitempty"`
	Updated      time.Time `toml:"updated"`
}

// StateOf applies the rule that a missing node state means Uploaded.
func StateOf(ns *NodeState) State {
	if ns == nil {
		return Uploaded
	}
	return ns.State
}

// LoadedModule describes a module whose code the runtime has activated.
type LoadedModule struct {
	FileName string
	Type     Type
	Digest   string
	LoaderID string
	Classes  []string
	Packages []string
	LoadedAt time.Time
}
