// Package tui is the terminal dashboard of a running lab server.
package tui

import (
	"fmt"
	"strings"

	"detection-lab/internal/tui/api"
	"detection-lab/internal/tui/scenes"
	"detection-lab/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene identifies a tab.
type Scene int

const (
	SceneDashboard Scene = iota
	SceneJobs
	SceneEvents
	sceneCount
)

// tab describes a scene in the header. tick is the TickMsg.Scene value the
// scene schedules.
type tab struct {
	name string
	tick string
}

var tabs = [sceneCount]tab{
	SceneDashboard: {name: "Dashboard", tick: "dashboard"},
	SceneJobs:      {name: "Jobs", tick: "jobs"},
	SceneEvents:    {name: "Events", tick: "events"},
}

// Model is the root bubbletea model. Only the active scene polls.
type Model struct {
	scene     Scene
	dashboard *scenes.DashboardScene
	jobs      *scenes.JobsScene
	events    *scenes.EventsScene

	width, height int
	quitting      bool
}

// New builds a model talking to the lab server at baseURL.
func New(baseURL, apiKey string) *Model {
	client := api.NewClient(baseURL).WithAPIKey(apiKey)
	return &Model{
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(client),
		jobs:      scenes.NewJobsScene(client),
		events:    scenes.NewEventsScene(client),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.initScene(m.scene), m.tickScene(m.scene))
}

func (m *Model) initScene(s Scene) tea.Cmd {
	switch s {
	case SceneJobs:
		return m.jobs.Init()
	case SceneEvents:
		return m.events.Init()
	}
	return m.dashboard.Init()
}

func (m *Model) tickScene(s Scene) tea.Cmd {
	switch s {
	case SceneJobs:
		return m.jobs.TickCmd()
	case SceneEvents:
		return m.events.TickCmd()
	}
	return m.dashboard.TickCmd()
}

func (m *Model) updateScene(s Scene, msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	switch s {
	case SceneDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case SceneJobs:
		m.jobs, cmd = m.jobs.Update(msg)
	case SceneEvents:
		m.events, cmd = m.events.Update(msg)
	}
	return cmd
}

func (m *Model) viewScene(s Scene) string {
	switch s {
	case SceneJobs:
		return m.jobs.View()
	case SceneEvents:
		return m.events.View()
	}
	return m.dashboard.View()
}

// switchTo activates s and restarts its fetch and ticker.
func (m *Model) switchTo(s Scene) tea.Cmd {
	if m.scene == s {
		return nil
	}
	m.scene = s
	return tea.Batch(m.initScene(s), m.tickScene(s))
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1", "2", "3":
			return m, m.switchTo(Scene(key[0] - '1'))
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		case "esc":
			if m.scene == SceneEvents {
				return m, m.switchTo(SceneJobs)
			}
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		for s := range sceneCount {
			m.updateScene(s, msg)
		}
		return m, nil

	case scenes.SelectJobMsg:
		m.events.SetJob(msg.ID)
		if m.scene == SceneEvents {
			return m, m.events.Init()
		}
		return m, m.switchTo(SceneEvents)

	case scenes.TickMsg:
		// ticks left over from a previous scene die here
		if msg.Scene != tabs[m.scene].tick {
			return m, nil
		}
		return m, tea.Batch(m.updateScene(m.scene, msg), m.tickScene(m.scene))
	}

	return m, m.updateScene(m.scene, msg)
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	return strings.Join([]string{m.renderHeader(), m.viewScene(m.scene), m.renderFooter()}, "\n")
}

func (m *Model) renderHeader() string {
	labels := make([]string, 0, sceneCount)
	for s, t := range tabs {
		label := fmt.Sprintf(" %d %s ", s+1, t.name)
		if Scene(s) == m.scene {
			labels = append(labels, styles.TabActive.Render(label))
		} else {
			labels = append(labels, styles.TabInactive.Render(label))
		}
	}
	return styles.TabBar.Width(m.width).Render(lipgloss.JoinHorizontal(lipgloss.Top, labels...))
}

func (m *Model) renderFooter() string {
	return styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [Enter] Open job  [Esc] Back  [e] Evaluate  [q] Quit ")
}

// Run opens the dashboard in the alternate screen and blocks until quit.
func Run(baseURL, apiKey string) error {
	_, err := tea.NewProgram(New(baseURL, apiKey), tea.WithAltScreen()).Run()
	return err
}
