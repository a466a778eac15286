// Package panel is the operator TUI: a per-room alarm grid, connection
// status, a recent-events pane and a command input for arming, resetting and
// adjusting rooms.
package panel

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/lioil1020-JackLee/water-house/client"
	"github.com/lioil1020-JackLee/water-house/config"
	"github.com/lioil1020-JackLee/water-house/journal"
	"github.com/lioil1020-JackLee/water-house/version"
)

// --- STYLES ---
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#575B7E")).
			Padding(0, 1)

	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))

	statusKeyStyle = lipgloss.NewStyle().Bold(true)

	floorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Width(4)

	cardStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(12).
			Align(lipgloss.Center)

	lampNormal  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))  // green
	lampAlarm   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red, blinking
	lampPending = lipgloss.NewStyle().Foreground(lipgloss.Color("226")) // yellow
	lampUnknown = lipgloss.NewStyle().Foreground(lipgloss.Color("244")) // gray
)

// Controller is the slice of the polling client the panel drives. Narrow on
// purpose so tests can fake it.
type Controller interface {
	SubmitWrite(name string, v client.Value) error
	ReadValue(ctx context.Context, name string) (client.Value, error)
	HasPending(name string) bool
}

// --- MODEL ---
type tickMsg time.Time

type Model struct {
	st       *State
	ctrl     Controller
	rooms    []config.Room
	journal  chan<- journal.Event
	log      zerolog.Logger
	endpoint string

	viewport   viewport.Model
	textInput  textinput.Model
	ready      bool
	lastRender string
	blinkOn    bool
}

func NewModel(st *State, ctrl Controller, rooms []config.Room, jrnl chan<- journal.Event, endpoint string, log zerolog.Logger) Model {
	ti := textinput.New()
	ti.Placeholder = "arm 201 | disarm 201 | reset 201 | delay 201 5 | read 201"
	ti.Focus()

	return Model{
		st:        st,
		ctrl:      ctrl,
		rooms:     rooms,
		journal:   jrnl,
		log:       log.With().Str("component", "panel").Logger(),
		endpoint:  endpoint,
		textInput: ti,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// --- UPDATE ---
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.textInput.Focused() {
			switch msg.Type {
			case tea.KeyEnter:
				m.handleCommand()
				return m, nil
			case tea.KeyCtrlC:
				return m, tea.Quit
			case tea.KeyEsc:
				m.textInput.Blur()
				return m, nil
			}
		} else {
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "i", "c":
				m.textInput.Focus()
				return m, nil
			}
		}

	case tea.WindowSizeMsg:
		topPaneHeight := 10
		footerHeight := 3
		verticalMargin := topPaneHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMargin)
			m.viewport.Style = baseStyle
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMargin
		}
		m.lastRender = ""

	case tickMsg:
		m.blinkOn = !m.blinkOn
		newRender := m.renderGrid()
		if m.lastRender != newRender {
			m.viewport.SetContent(newRender)
			m.lastRender = newRender
		}
		return m, tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
	}

	if m.textInput.Focused() {
		m.textInput, cmd = m.textInput.Update(msg)
		cmds = append(cmds, cmd)
	} else {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) handleCommand() {
	input := strings.TrimSpace(m.textInput.Value())
	defer m.textInput.SetValue("")
	if input == "" {
		return
	}
	m.log.Info().Str("input", input).Msg("operator command")

	verb, args, err := parseCommand(input)
	if err != nil {
		m.st.SetStatus(err.Error())
		return
	}

	room, found := config.FindRoom(m.rooms, args[0])
	if !found {
		m.st.SetStatus(fmt.Sprintf("Error: room '%s' not found.", args[0]))
		return
	}

	switch verb {
	case "arm", "disarm":
		if room.Enable == "" {
			m.st.SetStatus(fmt.Sprintf("Error: %s has no enable tag.", room.Key()))
			return
		}
		if m.submit(room.Enable, verb == "arm") {
			m.st.SetStatus(fmt.Sprintf("Queued %s %s", verb, room.Key()))
		}
	case "reset":
		if room.Reset == "" {
			m.st.SetStatus(fmt.Sprintf("Error: %s has no reset tag.", room.Key()))
			return
		}
		// Momentary: the controller clears the bit itself once handled.
		if m.submit(room.Reset, true) {
			m.st.SetStatus(fmt.Sprintf("Queued reset %s", room.Key()))
		}
	case "delay":
		if room.Delay == "" {
			m.st.SetStatus(fmt.Sprintf("Error: %s has no delay tag.", room.Key()))
			return
		}
		secs, err := strconv.ParseFloat(args[1], 64)
		if err != nil || secs < 0 {
			m.st.SetStatus(fmt.Sprintf("Error: invalid delay '%s'.", args[1]))
			return
		}
		if m.submit(room.Delay, secs) {
			m.st.SetStatus(fmt.Sprintf("Queued delay %s = %.1fs", room.Key(), secs))
		}
	case "read":
		if room.Status == "" {
			m.st.SetStatus(fmt.Sprintf("Error: %s has no status tag.", room.Key()))
			return
		}
		m.st.SetStatus(fmt.Sprintf("Reading %s...", room.Key()))
		go func(name, key string) {
			ctx, cancel := context.WithTimeout(context.Background(), config.DefaultReadTimeout)
			defer cancel()
			v, err := m.ctrl.ReadValue(ctx, name)
			if err != nil {
				m.st.SetStatus(fmt.Sprintf("%s: value unknown (%v)", key, err))
				return
			}
			m.st.SetStatus(fmt.Sprintf("%s = %v", key, v))
		}(room.Status, room.Key())
	}
}

// parseCommand validates the verb and argument count; the room reference is
// resolved by the caller.
func parseCommand(input string) (verb string, args []string, err error) {
	parts := strings.Fields(input)
	verb = strings.ToLower(parts[0])
	args = parts[1:]
	switch verb {
	case "arm", "disarm", "reset", "read":
		if len(args) != 1 {
			return "", nil, fmt.Errorf("Error: '%s' takes a room.", verb)
		}
	case "delay":
		if len(args) != 2 {
			return "", nil, fmt.Errorf("Error: 'delay' takes a room and seconds.")
		}
	default:
		return "", nil, fmt.Errorf("Error: unknown command '%s'.", verb)
	}
	return verb, args, nil
}

// submit queues the write and journals it. Reports whether the client
// accepted it; on refusal the error is already in the status line.
func (m *Model) submit(tag string, v client.Value) bool {
	if err := m.ctrl.SubmitWrite(tag, v); err != nil {
		m.st.SetStatus(fmt.Sprintf("Error: %v", err))
		return false
	}
	if m.journal != nil {
		select {
		case m.journal <- journal.Event{
			Timestamp: time.Now(),
			Tag:       tag,
			New:       fmt.Sprintf("%v", v),
			EventType: journal.TypeUserCommand,
		}:
		default:
		}
	}
	return true
}

// --- VIEW ---
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}
	topPanes := lipgloss.JoinHorizontal(lipgloss.Left,
		m.renderStatusPane(),
		m.renderEventsPane(),
	)
	return lipgloss.JoinVertical(lipgloss.Left,
		topPanes,
		m.viewport.View(),
		m.renderFooter(),
	)
}

func (m Model) renderStatusPane() string {
	snap := m.st.Snapshot()
	health := lampUnknown.Render("DISCONNECTED")
	if snap.Healthy {
		health = lampNormal.Render("CONNECTED")
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("保全壓扣 Status"),
		statusKeyStyle.Render("Version:  ")+version.Version,
		statusKeyStyle.Render("Server:   ")+m.endpoint,
		statusKeyStyle.Render("Link:     ")+health,
		statusKeyStyle.Render("Batches:  ")+fmt.Sprintf("%d", snap.Batches),
		statusKeyStyle.Render("Failures: ")+fmt.Sprintf("%d", snap.Failures),
		" ",
		snap.Status,
	)
	paneWidth := m.viewport.Width / 2
	return baseStyle.Width(paneWidth).Height(8).Render(content)
}

func (m Model) renderEventsPane() string {
	snap := m.st.Snapshot()
	var content strings.Builder
	content.WriteString(titleStyle.Render("Recent Events") + "\n")
	lines := snap.Lines
	if len(lines) > 6 {
		lines = lines[len(lines)-6:]
	}
	if len(lines) == 0 {
		content.WriteString("No events yet.")
	} else {
		content.WriteString(strings.Join(lines, "\n"))
	}
	leftPaneWidth := m.viewport.Width / 2
	rightPaneWidth := m.viewport.Width - leftPaneWidth - 3
	return baseStyle.Width(rightPaneWidth).Height(8).Render(content.String())
}

// renderGrid draws one row of room cards per floor plus any ungrouped tags.
func (m Model) renderGrid() string {
	snap := m.st.Snapshot()

	floors := make(map[string][]config.Room)
	var floorOrder []string
	for _, r := range snap.Rooms {
		if _, ok := floors[r.Floor]; !ok {
			floorOrder = append(floorOrder, r.Floor)
		}
		floors[r.Floor] = append(floors[r.Floor], r)
	}
	// Top floor first, the way the wall panel is laid out.
	sort.Sort(sort.Reverse(sort.StringSlice(floorOrder)))

	var out strings.Builder
	for _, floor := range floorOrder {
		cards := make([]string, 0, len(floors[floor]))
		for _, room := range floors[floor] {
			cards = append(cards, m.renderCard(room, snap))
		}
		row := lipgloss.JoinHorizontal(lipgloss.Top, cards...)
		out.WriteString(lipgloss.JoinHorizontal(lipgloss.Center, floorStyle.Render(floor), row))
		out.WriteString("\n")
	}

	if len(snap.Ungrouped) > 0 {
		out.WriteString(titleStyle.Render("Other points") + "\n")
		for _, t := range snap.Ungrouped {
			v, ok := snap.Values[t.Name]
			val := "?"
			if ok {
				val = fmt.Sprintf("%v", v)
			}
			out.WriteString(fmt.Sprintf("  %s = %s\n", t.Name, val))
		}
	}
	return out.String()
}

func (m Model) renderCard(room config.Room, snap Snapshot) string {
	lamp := lampUnknown.Render("●")
	label := "未知"
	v, known := snap.Values[room.Status]
	pending := m.ctrl.HasPending(room.Status) ||
		(room.Enable != "" && m.ctrl.HasPending(room.Enable)) ||
		(room.Delay != "" && m.ctrl.HasPending(room.Delay))

	switch {
	case !snap.Healthy || !known:
		lamp = lampUnknown.Render("●")
		label = "未知"
	case pending:
		lamp = lampPending.Render("●")
		label = "設定中"
	case v == true:
		// Blink the alarm lamp the way the wall panel does.
		if m.blinkOn {
			lamp = lampAlarm.Render("●")
		} else {
			lamp = lampPending.Render("●")
		}
		label = "警報"
	default:
		lamp = lampNormal.Render("●")
		label = "正常"
	}

	return cardStyle.Render(room.Label + "\n" + lamp + " " + label)
}

func (m Model) renderFooter() string {
	help := "Use arrow keys or mouse to scroll | (i) to input command | (q) to quit"
	if m.textInput.Focused() {
		help = "Enter command and press Esc to cancel"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.textInput.View(),
		help,
	)
}
