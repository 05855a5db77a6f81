package scenes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"detection-lab/internal/tui/api"
	"detection-lab/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// EventsScene shows the thought log of one job.
type EventsScene struct {
	client *api.Client
	jobID  string

	events  []api.Event
	err     string
	loading bool
	fetched time.Time

	width  int
	cursor listCursor
}

type eventsMsg struct {
	jobID  string
	events []api.Event
	err    error
}

func NewEventsScene(client *api.Client) *EventsScene {
	return &EventsScene{client: client, cursor: listCursor{rows: 10}}
}

// SetJob selects the job whose thought log is shown.
func (e *EventsScene) SetJob(id string) {
	if id == e.jobID {
		return
	}
	e.jobID, e.events, e.err = id, nil, ""
	e.cursor.reset()
}

func (e *EventsScene) JobID() string { return e.jobID }

// Init fetches the selected job's log. It is a no-op without a job.
func (e *EventsScene) Init() tea.Cmd {
	if e.jobID == "" {
		return nil
	}
	e.loading = true
	return e.fetch()
}

func (e *EventsScene) fetch() tea.Cmd {
	id, client := e.jobID, e.client
	return func() tea.Msg {
		evs, err := client.GetJobEvents(id)
		return eventsMsg{jobID: id, events: evs, err: err}
	}
}

func (e *EventsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "events", Time: t}
	})
}

func (e *EventsScene) Update(msg tea.Msg) (*EventsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		e.width = msg.Width
		e.cursor.rows = max(5, msg.Height-14)

	case tea.KeyMsg:
		if e.cursor.key(msg.String(), len(e.events)) {
			return e, nil
		}
		if msg.String() == "r" && e.jobID != "" {
			e.loading = true
			return e, e.fetch()
		}

	case eventsMsg:
		// a reply for a previously selected job
		if msg.jobID != e.jobID {
			return e, nil
		}
		e.loading = false
		e.fetched = time.Now()
		if msg.err != nil {
			e.err = msg.err.Error()
			return e, nil
		}
		e.err = ""
		e.events = msg.events
		e.cursor.clamp(len(e.events))

	case TickMsg:
		if msg.Scene == "events" && e.jobID != "" {
			return e, e.fetch()
		}
	}
	return e, nil
}

func (e *EventsScene) View() string {
	lines := []string{styles.Title.Render("  Job Events"), ""}
	if e.jobID == "" {
		lines = append(lines, styles.Muted.Render("  No job selected. Pick one on the Jobs tab and press [enter]."))
		return strings.Join(lines, "\n")
	}
	lines = append(lines, styles.Subtitle.Render("  Job "+e.jobID+"  "+e.tally()), "")

	switch {
	case e.loading && len(e.events) == 0:
		lines = append(lines, styles.Muted.Render("  Loading events..."))
	case e.err != "":
		lines = append(lines,
			styles.StatusError.Render("  Error: "+e.err), "",
			styles.Muted.Render("  Press [r] to retry."))
	case len(e.events) == 0:
		lines = append(lines, styles.Muted.Render("  No events recorded yet."))
	default:
		lines = append(lines, styles.TableHeader.Render(fmt.Sprintf("  %-20s %-12s %-16s %s", "Time", "Tag", "User", "Thought")))
		from, to := e.cursor.window(len(e.events))
		for i := from; i < to; i++ {
			lines = append(lines, e.row(e.events[i], i == e.cursor.pos))
		}
		footer := fmt.Sprintf("  %d-%d of %d  [r] Refresh", from+1, to, len(e.events))
		if !e.fetched.IsZero() {
			footer += "  |  Updated: " + e.fetched.Format("15:04:05")
		}
		lines = append(lines, "", styles.Muted.Render(footer))
	}
	return strings.Join(lines, "\n")
}

// tally summarises the log by tag and counts the compromised users seen.
func (e *EventsScene) tally() string {
	var objective, background int
	compromised := make(map[string]struct{})
	for _, ev := range e.events {
		switch ev.Tag {
		case "objective":
			objective++
		case "background":
			background++
		}
		if ev.IsCompromised {
			compromised[ev.UserName] = struct{}{}
		}
	}
	return fmt.Sprintf("%d objective, %d background, %d compromised users", objective, background, len(compromised))
}

func (e *EventsScene) row(ev api.Event, selected bool) string {
	user := ev.UserName
	if ev.IsCompromised {
		user += "*"
	}
	row := fmt.Sprintf("  %-20s %s %-16s %s",
		ev.Time,
		styles.ForTag(ev.Tag).Render(fmt.Sprintf("%-12s", ev.Tag)),
		truncate(user, 16),
		truncate(thoughtText(ev.Thought), max(20, e.width-56)),
	)
	if selected {
		return styles.RowSelected.Render(row)
	}
	return row
}

// thoughtText flattens a thought payload to one line. JSON strings are
// unquoted; other values are compacted.
func thoughtText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.Join(strings.Fields(s), " ")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
