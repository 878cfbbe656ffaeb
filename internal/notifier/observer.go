package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/groupfetch/internal/events"
)

// Observe sends a chat message whenever a group finishes.
func Observe(d *events.Dispatcher, n Notifier) []events.Handle {
	h := func(ctx context.Context, e events.Event) error {
		return n.Notify(ctx, Message(e))
	}

	return []events.Handle{
		d.Register(events.Filter{}, events.TaskComplete, h),
		d.Register(events.Filter{}, events.TaskFail, h),
		d.Register(events.Filter{}, events.TaskCancel, h),
	}
}

// Message renders e for humans.
func Message(e events.Event) string {
	name := e.GroupKey
	if e.Group != nil && e.Group.Name != "" {
		name = e.Group.Name + " (" + e.GroupKey + ")"
	}

	switch e.Kind {
	case events.TaskComplete:
		return fmt.Sprintf("✅ Download finished for group: %s, %s", name, humanize.Bytes(uint64(max(e.Total, 0))))
	case events.TaskFail:
		msg := "❌ Download failed for group: " + name
		if e.Group != nil && e.Group.Report != nil && len(e.Group.Report.Failed) > 0 {
			failed := make([]string, 0, len(e.Group.Report.Failed))
			for url, reason := range e.Group.Report.Failed {
				failed = append(failed, url+": "+reason)
			}

			sort.Strings(failed)
			msg += "\n" + strings.Join(failed, "\n")
		}

		return msg
	case events.TaskCancel:
		return "🛑 Download cancelled for group: " + name
	default:
		return fmt.Sprintf("%s: %s", e.Kind, name)
	}
}
