package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"gopkg.in/yaml.v3"

	"github.com/runsync/runsync/internal/replica/dashboard"
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/ui"
)

// writeRun prints run in the given format: text, json or yaml.
func writeRun(w io.Writer, run *schema.Run, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	case "yaml":
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to encode run: %w", err)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to encode run: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode run as yaml: %w", err)
		}
		return enc.Close()
	case "text", "":
		writeRunText(w, run)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

func writeRunText(w io.Writer, run *schema.Run) {
	sum := dashboard.Summarize(run)
	fmt.Fprintf(w, "%s %s\n", ui.RenderAccent(run.Name()), ui.RenderMuted("("+run.ID+")"))
	fmt.Fprintf(w, "Status:  %s\n", ui.RenderStatus(run.Status()))
	if owner := run.OwnerUserID(); owner != "" {
		fmt.Fprintf(w, "Owner:   %s\n", owner)
	}
	if ch := run.ChannelID(); ch != "" {
		fmt.Fprintf(w, "Channel: %s\n", ch)
	}
	fmt.Fprintf(w, "Updated: %s\n", formatMillis(run.UpdateAt))
	fmt.Fprintf(w, "Items:   %d/%d done\n", sum.ItemsDone, sum.Items)

	for _, cl := range run.OrderedChecklists() {
		fmt.Fprintf(w, "\n%s\n", cl.Title())
		for _, item := range cl.OrderedItems() {
			if item.Deleted() {
				continue
			}
			fmt.Fprintf(w, "  %s %s\n", itemMark(item), item.Fields.String("title"))
		}
	}
}

func itemMark(item *schema.Item) string {
	switch item.State() {
	case "closed":
		return ui.RenderPass("[x]")
	case "skipped":
		return ui.RenderMuted("[-]")
	case "in_progress":
		return ui.RenderWarn("[~]")
	default:
		return "[ ]"
	}
}

// formatMillis renders a millisecond timestamp, or "-" for zero.
func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

// parseSince accepts a Go duration ("90m"), an RFC 3339 time, or natural
// language ("2 hours ago", "yesterday") and returns the instant it names.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return r.Time, nil
}

// timelineSince returns the live timeline events created at or after since.
// A zero since returns them all. Deleted events are included when all is set.
func timelineSince(run *schema.Run, since time.Time, all bool) []*schema.TimelineEvent {
	var out []*schema.TimelineEvent
	for _, ev := range run.TimelineSorted() {
		if ev.Deleted() && !all {
			continue
		}
		if !since.IsZero() && ev.CreateAt() < since.UnixMilli() {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
