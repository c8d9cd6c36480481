package subcommands

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"Lumen/internal/config"
	"Lumen/internal/runtime"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Styles define the UI theme
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D9FF")).
			Background(lipgloss.Color("#1a1a2e")).
			Padding(0, 2)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			PaddingLeft(1)

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")).
			PaddingLeft(1)

	systemStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFE66D")).
			PaddingLeft(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3d3d5c"))

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#00D9FF"))

	suggestionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#00D9FF")).
			Padding(0, 1)

	normalSuggestionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666680")).
				Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4a4a6a")).
			PaddingLeft(1)

	streamingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4")).
			Italic(true)
)

var placeholders = []string{
	"What's on your mind?",
	"Describe an image with /image <path>",
	"Type /help to see available commands",
	"Constrain the answer with /grammar",
	"Hello! How can I help you today?",
}

var availableCommands = []string{
	"/help", "/stats", "/config", "/clear",
	"/image", "/audio", "/media", "/clear-media",
	"/grammar", "/seed", "/set", "/exit", "/quit",
}

type errMsg error

type message struct {
	role     string
	content  string
	stats    *runtime.Stats
	finish   string
	duration time.Duration
}

// TuiOptions are the session settings the TUI starts with.
type TuiOptions struct {
	Stream     bool
	ShowStats  bool
	Generation runtime.GenerationOptions
}

type tuiModel struct {
	mgr    *runtime.Manager
	cfg    config.Config
	opts   TuiOptions
	ctx    context.Context
	cancel context.CancelFunc

	attachedImages []string
	attachedAudio  []string
	// history is the running transcript sent as the prompt, so each turn
	// extends the previous prompt and reuses its cache.
	history   strings.Builder
	lastStats *runtime.Stats

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	messages []message
	ready    bool
	loading  bool
	renderer *glamour.TermRenderer
	width    int
	height   int
	err      error
	program  *tea.Program

	// Autocompletion
	suggestions     []string
	suggestionIdx   int
	showSuggestions bool

	// Menu/Popups
	menuOpen bool
	menuIdx  int
}

var menuOptions = []string{
	"Clear History",
	"Toggle Streaming",
	"Toggle Stats",
	"Cancel Generation",
	"Exit Lumen",
}

func initialModel(ctx context.Context, cfg config.Config, mgr *runtime.Manager, opts TuiOptions) *tuiModel {
	ta := textarea.New()
	ta.Placeholder = placeholders[rand.IntN(len(placeholders))]
	ta.Focus()

	ta.Prompt = "┃ "
	ta.CharLimit = 10000

	ta.SetWidth(80)
	ta.SetHeight(5)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ECDC4"))

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return &tuiModel{
		ctx:      ctx,
		mgr:      mgr,
		cfg:      cfg,
		opts:     opts,
		textarea: ta,
		spinner:  s,
		renderer: renderer,
		messages: []message{},
	}
}

func (m *tuiModel) Init() tea.Cmd {
	return textarea.Blink
}

type generationResult struct {
	resp  runtime.Response
	err   error
	start time.Time
}

type streamToken struct {
	token string
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		taCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.menuOpen {
			switch msg.Type {
			case tea.KeyUp:
				m.menuIdx = (m.menuIdx - 1 + len(menuOptions)) % len(menuOptions)
			case tea.KeyDown:
				m.menuIdx = (m.menuIdx + 1) % len(menuOptions)
			case tea.KeyEnter:
				m.menuOpen = false
				return m, m.handleMenuSelection()
			case tea.KeyEsc, tea.KeyCtrlO:
				m.menuOpen = false
			}
			return m, nil
		}

		if m.showSuggestions {
			switch msg.Type {
			case tea.KeyUp:
				m.suggestionIdx--
				if m.suggestionIdx < 0 {
					m.suggestionIdx = len(m.suggestions) - 1
				}
				return m, nil
			case tea.KeyDown:
				m.suggestionIdx++
				if m.suggestionIdx >= len(m.suggestions) {
					m.suggestionIdx = 0
				}
				return m, nil
			case tea.KeyEnter, tea.KeyTab:
				if len(m.suggestions) > 0 {
					m.textarea.SetValue(m.suggestions[m.suggestionIdx] + " ")
					m.textarea.CursorEnd()
					m.showSuggestions = false
					return m, nil
				}
			case tea.KeyEsc:
				m.showSuggestions = false
				return m, nil
			}
		}

		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit

		case tea.KeyCtrlO:
			m.menuOpen = !m.menuOpen
			m.menuIdx = 0
			return m, nil

		case tea.KeyCtrlS:
			if m.loading {
				return m, nil
			}

			userMsg := m.textarea.Value()
			if strings.TrimSpace(userMsg) == "" {
				return m, nil
			}

			low := strings.ToLower(strings.TrimSpace(userMsg))
			if handled, cmd := m.handleLocalCommand(low, userMsg); handled {
				m.textarea.Reset()
				return m, cmd
			}

			m.messages = append(m.messages, message{role: "User", content: userMsg})
			m.textarea.Reset()
			m.loading = true

			// Filled by the stream or the final result.
			m.messages = append(m.messages, message{role: "Lumen", content: ""})

			m.updateViewport()

			return m, tea.Batch(
				m.spinner.Tick,
				m.generate(userMsg),
			)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		inputHeight := 5
		verticalMarginHeight := headerHeight + inputHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-verticalMarginHeight-4)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - verticalMarginHeight - 4
		}

		m.textarea.SetWidth(msg.Width - 6)

		r, _ := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(m.viewport.Width-4),
		)
		m.renderer = r
		m.updateViewport()

	case streamToken:
		m.messages[len(m.messages)-1].content += msg.token
		m.updateViewport()
		return m, nil

	case generationResult:
		m.loading = false
		m.cancel = nil
		last := &m.messages[len(m.messages)-1]
		if msg.err != nil {
			last.content += "\n\nError: " + msg.err.Error()
		} else {
			last.content = msg.resp.Text
			last.stats = &msg.resp.Stats
			last.finish = msg.resp.Finish
			last.duration = time.Since(msg.start)
			m.lastStats = &msg.resp.Stats
			m.history.WriteString(msg.resp.Text)
			m.history.WriteString("\n")
		}
		m.updateViewport()
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, spCmd = m.spinner.Update(msg)
		m.updateViewport()
		return m, spCmd

	case errMsg:
		m.err = msg
		return m, nil
	}

	m.textarea, taCmd = m.textarea.Update(msg)

	val := m.textarea.Value()
	if strings.HasPrefix(val, "/") {
		m.suggestions = []string{}
		for _, cmd := range availableCommands {
			if strings.HasPrefix(cmd, val) {
				m.suggestions = append(m.suggestions, cmd)
			}
		}
		if len(m.suggestions) > 0 {
			m.showSuggestions = true
			if m.suggestionIdx >= len(m.suggestions) {
				m.suggestionIdx = 0
			}
		} else {
			m.showSuggestions = false
		}
	} else {
		m.showSuggestions = false
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(taCmd, vpCmd)
}

func (m *tuiModel) handleMenuSelection() tea.Cmd {
	switch m.menuIdx {
	case 0:
		m.clearHistory()
	case 1:
		m.opts.Stream = !m.opts.Stream
		m.system(fmt.Sprintf("Streaming: %v", m.opts.Stream))
	case 2:
		m.opts.ShowStats = !m.opts.ShowStats
		m.system(fmt.Sprintf("Stats: %v", m.opts.ShowStats))
	case 3:
		if m.cancel != nil {
			m.cancel()
		}
	case 4:
		return tea.Quit
	}
	m.updateViewport()
	return nil
}

func (m *tuiModel) system(content string) {
	m.messages = append(m.messages, message{role: "System", content: content})
}

func (m *tuiModel) clearHistory() {
	m.messages = []message{}
	m.history.Reset()
	m.viewport.SetContent("")
}

func (m *tuiModel) handleLocalCommand(low, raw string) (bool, tea.Cmd) {
	if !strings.HasPrefix(low, "/") {
		return false, nil
	}
	raw = strings.TrimSpace(raw)

	switch {
	case low == "/clear":
		m.clearHistory()
		return true, nil

	case low == "/help":
		m.system(`
### Available Commands
- **/help**: Show this help message
- **/stats**: Show statistics of the last generation
- **/config**: Show current session configuration
- **/clear**: Clear conversation history
- **/image <path>**: Attach an image to the next message
- **/audio <path>**: Attach an audio clip to the next message
- **/media**: List attached media
- **/clear-media**: Remove attached media
- **/grammar <gbnf>|off**: Constrain replies to a grammar
- **/seed <n>**: Fix the sampling seed (negative for random)
- **/set <param> <value>**: Update a setting (e.g. /set temperature 0.2)
- **/exit**: Close the application
`)

	case low == "/stats":
		if m.lastStats == nil {
			m.system("No generation yet.")
		} else {
			m.system("Last generation: " + formatStats(*m.lastStats, ""))
		}

	case low == "/config":
		g := m.opts.Generation
		m.system(fmt.Sprintf(`
### Session Configuration
- **Backend**: %s (engine %s)
- **Model**: %s
- **Streaming**: %v
- **Show Stats**: %v
- **Temperature**: %g
- **Max Tokens**: %d
- **Seed**: %d
- **Grammar**: %v
- **Attached Media**: %d image(s), %d audio
`, m.cfg.Runtime.Backend, m.cfg.Runtime.Native.Engine, m.cfg.Runtime.Native.ModelPath,
			m.opts.Stream, m.opts.ShowStats, g.Temperature, g.MaxTokens, g.Seed, g.Grammar != "",
			len(m.attachedImages), len(m.attachedAudio)))

	case strings.HasPrefix(low, "/image "):
		path := strings.TrimSpace(raw[len("/image "):])
		m.attachedImages = append(m.attachedImages, path)
		m.system(fmt.Sprintf("Image attached: %s", path))

	case strings.HasPrefix(low, "/audio "):
		path := strings.TrimSpace(raw[len("/audio "):])
		m.attachedAudio = append(m.attachedAudio, path)
		m.system(fmt.Sprintf("Audio attached: %s", path))

	case low == "/media":
		if len(m.attachedImages)+len(m.attachedAudio) == 0 {
			m.system("No media attached.")
		} else {
			var sb strings.Builder
			sb.WriteString("Attached Media:\n")
			for i, img := range m.attachedImages {
				sb.WriteString(fmt.Sprintf("%d. image %s\n", i+1, img))
			}
			for i, a := range m.attachedAudio {
				sb.WriteString(fmt.Sprintf("%d. audio %s\n", len(m.attachedImages)+i+1, a))
			}
			m.system(sb.String())
		}

	case low == "/clear-media":
		n := len(m.attachedImages) + len(m.attachedAudio)
		m.attachedImages, m.attachedAudio = nil, nil
		m.system(fmt.Sprintf("Cleared %d attachments.", n))

	case strings.HasPrefix(low, "/grammar"):
		g := strings.TrimSpace(raw[len("/grammar"):])
		switch g {
		case "":
			m.system("Usage: /grammar <gbnf> or /grammar off")
		case "off":
			m.opts.Generation.Grammar = ""
			m.system("Grammar disabled.")
		default:
			m.opts.Generation.Grammar = g
			m.system("Grammar set.")
		}

	case strings.HasPrefix(low, "/seed "):
		m.system(setParam(&m.opts, "seed", strings.TrimSpace(raw[len("/seed "):])))

	case strings.HasPrefix(low, "/set "):
		parts := strings.Fields(raw[len("/set "):])
		if len(parts) != 2 {
			m.system("Usage: /set <param> <value>")
		} else {
			m.system(setParam(&m.opts, parts[0], parts[1]))
		}

	case low == "/exit" || low == "/quit":
		return true, tea.Quit

	default:
		return false, nil
	}

	m.updateViewport()
	return true, nil
}

// setParam applies one /set command and returns the reply to show.
func setParam(opts *TuiOptions, param, value string) string {
	g := &opts.Generation
	var err error
	switch strings.ToLower(param) {
	case "stream":
		opts.Stream, err = strconv.ParseBool(value)
	case "stats":
		opts.ShowStats, err = strconv.ParseBool(value)
	case "temperature", "temp":
		g.Temperature, err = strconv.ParseFloat(value, 64)
	case "top_p":
		g.TopP, err = strconv.ParseFloat(value, 64)
	case "min_p":
		g.MinP, err = strconv.ParseFloat(value, 64)
	case "repeat_penalty":
		g.RepeatPenalty, err = strconv.ParseFloat(value, 64)
	case "top_k":
		g.TopK, err = strconv.Atoi(value)
	case "max_tokens":
		g.MaxTokens, err = strconv.Atoi(value)
	case "seed":
		g.Seed, err = strconv.ParseInt(value, 10, 64)
	default:
		return fmt.Sprintf("Unknown parameter: %s", param)
	}
	if err != nil {
		return fmt.Sprintf("Invalid value for %s: %s", param, value)
	}
	return fmt.Sprintf("Parameter '%s' updated to '%s'", param, value)
}

func (m *tuiModel) updateViewport() {
	var sb strings.Builder

	for i, msg := range m.messages {
		switch msg.role {
		case "System":
			sb.WriteString(systemStyle.Render("SYSTEM") + "\n")
			sb.WriteString(msg.content + "\n\n")

		case "User":
			sb.WriteString(userStyle.Render("YOU") + "\n")
			sb.WriteString(msg.content + "\n\n")

		case "Lumen":
			sb.WriteString(botStyle.Render("LUMEN") + "\n")

			rendered := msg.content
			if msg.content != "" && m.renderer != nil {
				if r, err := m.renderer.Render(msg.content); err == nil {
					rendered = r
				}
			}
			sb.WriteString(rendered)

			if i == len(m.messages)-1 && !m.loading && m.opts.ShowStats && msg.stats != nil {
				statsStr := formatStats(*msg.stats, msg.finish) + " | " + msg.duration.Truncate(time.Millisecond).String()
				sb.WriteString("\n" + statsStyle.Render(statsStr) + "\n")
			}
			sb.WriteString("\n")

		default:
			sb.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true).Render(msg.role) + "\n")
			sb.WriteString(msg.content + "\n\n")
		}
	}

	if m.loading {
		sb.WriteString("\n" + m.spinner.View() + streamingStyle.Render(" Generating..."))
	}

	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

// generate starts a request for input with the attached media, which are
// consumed by it.
func (m *tuiModel) generate(input string) tea.Cmd {
	m.history.WriteString("User: " + input + "\nAssistant: ")
	req := runtime.Request{
		Prompt:  m.history.String(),
		Image:   m.attachedImages,
		Audio:   m.attachedAudio,
		Options: m.opts.Generation,
	}
	m.attachedImages, m.attachedAudio = nil, nil

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	stream := m.opts.Stream && m.program != nil
	program := m.program
	mgr := m.mgr

	return func() tea.Msg {
		defer cancel()
		start := time.Now()
		if !stream {
			resp, err := mgr.Generate(ctx, req)
			return generationResult{resp: resp, err: err, start: start}
		}

		var resp runtime.Response
		var text strings.Builder
		err := mgr.Stream(ctx, req, func(evt runtime.StreamEvent) error {
			if evt.Err != nil {
				return evt.Err
			}
			if evt.Final {
				resp.Finish = evt.Finish
				if evt.Stats != nil {
					resp.Stats = *evt.Stats
				}
				return nil
			}
			text.WriteString(evt.Token)
			program.Send(streamToken{token: evt.Token})
			return nil
		})
		resp.Text = text.String()
		return generationResult{resp: resp, err: err, start: start}
	}
}

func (m *tuiModel) View() string {
	if !m.ready {
		return "\n  Initializing Lumen..."
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render(" Lumen "),
		subtitleStyle.Render("Local Multimodal Inference"),
	)

	viewport := borderStyle.Render(m.viewport.View())

	inputArea := m.textarea.View()
	if m.showSuggestions && len(m.suggestions) > 0 {
		var suggBuilder strings.Builder
		for i, s := range m.suggestions {
			if i == m.suggestionIdx {
				suggBuilder.WriteString(suggestionStyle.Render(s) + "\n")
			} else {
				suggBuilder.WriteString(normalSuggestionStyle.Render(s) + "\n")
			}
		}
		inputArea = lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#00D9FF")).
				Padding(0, 1).
				Render(suggBuilder.String()),
			inputArea,
		)
	}

	input := inputBorderStyle.Render(inputArea)

	mainView := fmt.Sprintf("%s\n%s\n%s", header, viewport, input)

	if m.menuOpen {
		var menuBuilder strings.Builder
		menuBuilder.WriteString(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D9FF")).Render("OPTIONS") + "\n\n")
		for i, opt := range menuOptions {
			if i == m.menuIdx {
				menuBuilder.WriteString(lipgloss.NewStyle().
					Background(lipgloss.Color("#00D9FF")).
					Foreground(lipgloss.Color("#1a1a2e")).
					Bold(true).
					Padding(0, 1).
					Render("> "+opt) + "\n")
			} else {
				menuBuilder.WriteString(lipgloss.NewStyle().
					Foreground(lipgloss.Color("#a0a0b0")).
					Padding(0, 1).
					Render("  "+opt) + "\n")
			}
		}

		menuPopup := lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("#00D9FF")).
			Padding(1, 2).
			Render(menuBuilder.String())

		mainView = lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			menuPopup,
			lipgloss.WithWhitespaceChars(" "),
			lipgloss.WithWhitespaceForeground(lipgloss.Color("#0a0a14")),
		)
	}

	streamStatus := "off"
	if m.opts.Stream {
		streamStatus = "on"
	}
	help := helpStyle.Render(fmt.Sprintf("Ctrl+S Send | Ctrl+O Menu | /help Commands | Stream: %s | Media: %d",
		streamStatus, len(m.attachedImages)+len(m.attachedAudio)))

	return mainView + "\n" + help
}

// RunTui executes the Charm TUI mode.
func RunTui(ctx context.Context, cfg config.Config, registry runtime.Registry, args []string) int {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	stream := fs.Bool("stream", true, "Stream tokens into the conversation")
	stats := fs.Bool("stats", false, "Show statistics under each reply")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize runtime: %v\n", err)
		return 1
	}
	defer mgr.Close()

	m := initialModel(ctx, cfg, mgr, TuiOptions{Stream: *stream, ShowStats: *stats})
	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	m.program = p

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui: %v\n", err)
		return 1
	}
	return 0
}
