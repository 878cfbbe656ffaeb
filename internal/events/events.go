// Package events delivers group lifecycle notifications to registered observers.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/groupfetch/internal/group"
)

type Kind string

const (
	Wait            Kind = "wait"
	Pre             Kind = "pre"
	TaskPre         Kind = "task_pre"
	TaskResume      Kind = "task_resume"
	TaskStart       Kind = "task_start"
	TaskStop        Kind = "task_stop"
	TaskCancel      Kind = "task_cancel"
	TaskFail        Kind = "task_fail"
	TaskComplete    Kind = "task_complete"
	TaskRunning     Kind = "task_running"
	SubTaskPre      Kind = "subtask_pre"
	SubTaskStart    Kind = "subtask_start"
	SubTaskStop     Kind = "subtask_stop"
	SubTaskCancel   Kind = "subtask_cancel"
	SubTaskFail     Kind = "subtask_fail"
	SubTaskComplete Kind = "subtask_complete"
	SubTaskRunning  Kind = "subtask_running"
)

// Kinds lists every event kind in lifecycle order.
var Kinds = []Kind{
	Wait, Pre, TaskPre, TaskResume, TaskStart, TaskStop, TaskCancel, TaskFail, TaskComplete, TaskRunning,
	SubTaskPre, SubTaskStart, SubTaskStop, SubTaskCancel, SubTaskFail, SubTaskComplete, SubTaskRunning,
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}

	return "", fmt.Errorf("unknown event kind %q", s)
}

// IsSubTask reports whether k only ever describes a single sub-task.
func (k Kind) IsSubTask() bool {
	return strings.HasPrefix(string(k), "subtask_")
}

// IsProgress reports whether k is a progress notification.
func (k Kind) IsProgress() bool {
	return k == TaskRunning || k == SubTaskRunning
}

// Event is one notification. URL is empty for group-level events. Group is a
// snapshot taken when the event was emitted and must not be mutated.
type Event struct {
	Kind       Kind         `json:"kind"`
	GroupKey   string       `json:"group_key"`
	URL        string       `json:"url,omitempty"`
	State      group.State  `json:"state"`
	Downloaded int64        `json:"downloaded"`
	Total      int64        `json:"total"`
	Err        error        `json:"-"`
	Group      *group.Group `json:"-"`
	Time       time.Time    `json:"time"`
}

// Filter narrows a registration. An empty GroupKey matches every group.
//
// A set URL matches only the events of that sub-task. An empty URL matches the
// group-level events of the kind; for kinds emitted at both levels, such as
// Wait, the per-sub-task events are delivered only with AllSubTasks. Sub-task
// only kinds match every sub-task when URL is empty.
type Filter struct {
	GroupKey    string
	URL         string
	AllSubTasks bool
}

func (f Filter) matches(e Event) bool {
	if f.GroupKey != "" && f.GroupKey != e.GroupKey {
		return false
	}

	if f.URL != "" {
		return f.URL == e.URL
	}

	return e.URL == "" || f.AllSubTasks || e.Kind.IsSubTask()
}
