package group

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// UnknownSize marks a byte count that has not been probed yet.
const UnknownSize int64 = -1

type State string

const (
	StateCreated   State = "created"
	StatePreparing State = "preparing"
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// SubTask is one file download belonging to a group.
type SubTask struct {
	URL             string `json:"url"`
	Path            string `json:"path"`
	State           State  `json:"state"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	TotalBytes      int64  `json:"total_bytes"`
	RetryCount      int    `json:"retry_count"`
	LastError       string `json:"last_error,omitempty"`
	Checksum        string `json:"checksum,omitempty"`
}

// Report summarises how a finished group ended.
type Report struct {
	Completed []string          `json:"completed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Cancelled []string          `json:"cancelled,omitempty"`
	Partial   bool              `json:"partial"`
}

// Group is a batch of sub-tasks managed as one unit. The scheduler owns the
// in-memory copy; the store keeps the durable mirror.
type Group struct {
	Key              string      `json:"key"`
	Name             string      `json:"name,omitempty"`
	State            State       `json:"state"`
	SubTasks         []*SubTask  `json:"sub_tasks"`
	TotalBytes       int64       `json:"total_bytes"`
	CompletedBytes   int64       `json:"completed_bytes"`
	DownloadedBytes  int64       `json:"downloaded_bytes"`
	ConcurrencyLimit int         `json:"concurrency_limit,omitempty"`
	FailFast         bool        `json:"fail_fast"`
	Priority         int         `json:"priority,omitempty"`
	Retry            RetryPolicy `json:"retry"`
	Warnings         []string    `json:"warnings,omitempty"`
	Report           *Report     `json:"report,omitempty"`
	Started          bool        `json:"started"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// New builds a group in the created state from a validated spec.
func New(spec Spec, retry RetryPolicy, now time.Time) *Group {
	g := &Group{
		Key:              spec.Key(),
		Name:             spec.Name,
		State:            StateCreated,
		SubTasks:         make([]*SubTask, 0, len(spec.URLs)),
		ConcurrencyLimit: spec.ConcurrencyLimit,
		FailFast:         spec.FailFast,
		Priority:         spec.Priority,
		Retry:            retry,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	seen := make(map[string]bool, len(spec.URLs))

	for i, u := range spec.URLs {
		name := fileName(u, i)
		for seen[name] {
			name = strconv.Itoa(i) + "-" + name
		}

		seen[name] = true

		g.SubTasks = append(g.SubTasks, &SubTask{
			URL:        u,
			Path:       name,
			State:      StateCreated,
			TotalBytes: UnknownSize,
			Checksum:   strings.ToLower(spec.Checksums[u]),
		})
	}

	g.Recount()

	return g
}

func fileName(rawURL string, i int) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "file-" + strconv.Itoa(i)
	}

	p := u.Path
	if p == "" || p == "/" {
		p = u.Opaque
	}

	// putio://12345 keeps the id in the host part.
	if (p == "" || p == "/") && u.Host != "" && u.Scheme != "http" && u.Scheme != "https" {
		p = u.Host
	}

	base := path.Base(p)
	if base == "." || base == "/" || base == "" {
		return "file-" + strconv.Itoa(i)
	}

	return base
}

// Find returns the sub-task for url, or nil.
func (g *Group) Find(url string) *SubTask {
	for _, st := range g.SubTasks {
		if st.URL == url {
			return st
		}
	}

	return nil
}

// SameURLs reports whether the group holds exactly the given URL set.
func (g *Group) SameURLs(urls []string) bool {
	if len(urls) != len(g.SubTasks) {
		return false
	}

	for _, u := range urls {
		if g.Find(u) == nil {
			return false
		}
	}

	return true
}

// Recount recomputes the aggregate byte counters from the sub-tasks.
func (g *Group) Recount() {
	var total, completed, downloaded int64

	for _, st := range g.SubTasks {
		if total != UnknownSize {
			if st.TotalBytes == UnknownSize {
				total = UnknownSize
			} else {
				total += st.TotalBytes
			}
		}

		downloaded += st.DownloadedBytes

		if st.State == StateCompleted {
			completed += st.DownloadedBytes
		}
	}

	g.TotalBytes = total
	g.CompletedBytes = completed
	g.DownloadedBytes = downloaded
}

// AllTerminal reports whether every sub-task reached a terminal state.
func (g *Group) AllTerminal() bool {
	for _, st := range g.SubTasks {
		if !st.State.IsTerminal() {
			return false
		}
	}

	return true
}

// AllCompleted reports whether every sub-task completed.
func (g *Group) AllCompleted() bool {
	for _, st := range g.SubTasks {
		if st.State != StateCompleted {
			return false
		}
	}

	return true
}

// CheckInvariant verifies that the group is completed exactly when all of its
// sub-tasks are.
func (g *Group) CheckInvariant() error {
	all := g.AllCompleted()

	if g.State == StateCompleted && !all {
		return fmt.Errorf("group %s is completed but has unfinished sub-tasks", g.Key)
	}

	if g.State != StateCompleted && all && g.State.IsTerminal() {
		return fmt.Errorf("group %s is %s but every sub-task completed", g.Key, g.State)
	}

	return nil
}

// BuildReport summarises the sub-task outcomes.
func (g *Group) BuildReport() *Report {
	r := &Report{Completed: []string{}}

	for _, st := range g.SubTasks {
		switch st.State {
		case StateCompleted:
			r.Completed = append(r.Completed, st.URL)
		case StateFailed:
			if r.Failed == nil {
				r.Failed = make(map[string]string)
			}

			r.Failed[st.URL] = st.LastError
		case StateCancelled:
			r.Cancelled = append(r.Cancelled, st.URL)
		}
	}

	r.Partial = len(r.Completed) > 0 && len(r.Completed) < len(g.SubTasks)

	return r
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}

	c := *g

	c.SubTasks = make([]*SubTask, len(g.SubTasks))
	for i, st := range g.SubTasks {
		cp := *st
		c.SubTasks[i] = &cp
	}

	if g.Warnings != nil {
		c.Warnings = append([]string(nil), g.Warnings...)
	}

	if g.Report != nil {
		r := *g.Report
		r.Completed = append([]string(nil), g.Report.Completed...)
		r.Cancelled = append([]string(nil), g.Report.Cancelled...)

		if g.Report.Failed != nil {
			r.Failed = make(map[string]string, len(g.Report.Failed))
			for k, v := range g.Report.Failed {
				r.Failed[k] = v
			}
		}

		c.Report = &r
	}

	return &c
}
