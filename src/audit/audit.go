package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/modsync/src/module"
	logs "github.com/danmuck/smplog"
)

// Action is one discrete module lifecycle step reported to operators.
type Action int

const (
	Installing Action = iota + 1
	DeployPermission
	InstallDeployed
	InstallStaged
	InstallFailed
	Uninstalling
	UninstallSucceeded
	UninstallFailed
	Loaded
)

var actionNames = map[Action]string{
	Installing:         "installing",
	DeployPermission:   "deploy-permission",
	InstallDeployed:    "installed-deployed",
	InstallStaged:      "installed-staged",
	InstallFailed:      "install-failed",
	Uninstalling:       "uninstalling",
	UninstallSucceeded: "uninstall-succeeded",
	UninstallFailed:    "uninstall-failed",
	Loaded:             "loaded",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func ParseAction(s string) (Action, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == norm {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown audit action %q", s)
}

// Failure reports whether the action records a failed step.
func (a Action) Failure() bool {
	return a == InstallFailed || a == UninstallFailed || a == DeployPermission
}

type Event struct {
	Action   Action
	ModuleID module.ID
	Name     string
	Type     module.Type
	FileName string
	NodeID   string
	Message  string
	Time     time.Time
}

// NewEvent tags an action with the identity of rec.
func NewEvent(action Action, rec *module.Record, nodeID string) Event {
	ev := Event{
		Action: action,
		NodeID: nodeID,
		Time:   time.Now().UTC(),
	}
	if rec != nil {
		ev.ModuleID = rec.ID
		ev.Name = rec.Name
		ev.Type = rec.Type
		ev.FileName = rec.FileName()
	}
	return ev
}

func (e Event) WithMessage(msg string) Event {
	e.Message = msg
	return e
}

func (e Event) String() string {
	s := fmt.Sprintf("[%s] %s module %s %q (%s, file %q)", e.NodeID, e.Action, e.ModuleID, e.Name, e.Type, e.FileName)
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

// Sink accepts lifecycle events. Implementations must not block for long
// and must be safe for concurrent use.
type Sink interface {
	Audit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Audit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// LogSink writes events through the process logger.
type LogSink struct{}

func (LogSink) Audit(e Event) {
	if e.Action.Failure() {
		logs.Warnf("audit: %s", e)
		return
	}
	logs.Infof("audit: %s", e)
}

type multi []Sink

func (m multi) Audit(e Event) {
	for _, s := range m {
		s.Audit(e)
	}
}

// Multi fans an event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
