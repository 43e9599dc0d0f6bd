package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hostbridge/wasmbridge/abi"
	"github.com/hostbridge/wasmbridge/columnar"
	"github.com/hostbridge/wasmbridge/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	convStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type conventionChoice struct {
	conv abi.Convention
	desc string
}

var conventions = []conventionChoice{
	{abi.ScalarC, "zero-terminated string in, zero-terminated string out"},
	{abi.ScalarNative, "offset/length in, (offset, length) record out"},
	{abi.ColumnarBulk, "record batch in, record batch out"},
}

type interactiveModel struct {
	err        error
	rt         *runtime.Runtime
	instance   *runtime.Instance
	filename   string
	policyFile string
	result     string
	inputs     []textinput.Model
	selected   int
	focusIdx   int
	state      modelState
}

type modelState int

const (
	stateSelectConv modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(filename, policyFile string) *interactiveModel {
	return &interactiveModel{
		filename:   filename,
		policyFile: policyFile,
		state:      stateSelectConv,
	}
}

type loadedMsg struct {
	err  error
	rt   *runtime.Runtime
	inst *runtime.Instance
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadModule
}

func (m *interactiveModel) loadModule() tea.Msg {
	ctx := context.Background()

	data, err := os.ReadFile(m.filename)
	if err != nil {
		return loadedMsg{err: err}
	}

	pol, err := loadPolicy(m.policyFile)
	if err != nil {
		return loadedMsg{err: err}
	}

	rt, err := runtime.New(ctx)
	if err != nil {
		return loadedMsg{err: err}
	}

	inst, err := rt.Load(ctx, "", data, pol)
	if err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}

	return loadedMsg{rt: rt, inst: inst}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m.quit()

		case "q":
			if m.state != stateInputArgs {
				return m.quit()
			}

		case "up", "k":
			if m.state == stateSelectConv && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectConv && m.selected < len(conventions)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectConv:
				m.prepareInputs()
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectConv
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectConv
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectConv
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.instance = msg.inst

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) quit() (tea.Model, tea.Cmd) {
	if m.rt != nil {
		m.rt.Close(context.Background())
	}
	return m, tea.Quit
}

func (m *interactiveModel) prepareInputs() {
	fn := textinput.New()
	fn.Prompt = "function: "
	fn.Width = 40
	fn.Focus()

	arg := textinput.New()
	arg.Prompt = "payload:  "
	arg.Width = 40

	m.inputs = []textinput.Model{fn, arg}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	ctx := context.Background()

	if m.instance == nil {
		return callResultMsg{err: fmt.Errorf("module not loaded")}
	}

	conv := conventions[m.selected].conv
	funcName := m.inputs[0].Value()
	arg := m.inputs[1].Value()
	if funcName == "" {
		return callResultMsg{err: fmt.Errorf("no function name given")}
	}

	payload := []byte(arg)
	if conv == abi.ColumnarBulk {
		batch := &columnar.Batch{Records: []columnar.Record{
			{Fields: []columnar.Field{{Name: "name", Value: []byte(arg)}}},
		}}
		payload = batch.Encode()
	}

	result, err := m.instance.Call(ctx, funcName, conv, payload)
	if err != nil {
		return callResultMsg{err: err}
	}

	if conv == abi.ColumnarBulk {
		batch, err := columnar.Decode(result)
		if err != nil {
			return callResultMsg{err: err}
		}
		var b strings.Builder
		for i, rec := range batch.Records {
			fmt.Fprintf(&b, "record %d:\n", i)
			for _, f := range rec.Fields {
				fmt.Fprintf(&b, "  %s = %q\n", f.Name, f.Value)
			}
		}
		return callResultMsg{result: b.String()}
	}

	return callResultMsg{result: string(result)}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.instance == nil {
		return "Loading module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Bridge"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("  ")
	b.WriteString(stateStyle.Render(string(m.instance.State())))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectConv:
		b.WriteString("Select a marshaling convention:\n\n")
		for i, c := range conventions {
			line := convStyle.Render(c.conv.String()) + "  " + helpStyle.Render(c.desc)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + c.conv.String()))
				b.WriteString("  ")
				b.WriteString(helpStyle.Render(c.desc))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter continue • q quit"))

	case stateInputArgs:
		conv := conventions[m.selected].conv
		b.WriteString(fmt.Sprintf("Calling over %s\n\n", convStyle.Render(conv.String())))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		b.WriteString("Result:\n\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func runInteractive(filename, policyFile string) error {
	p := tea.NewProgram(newInteractiveModel(filename, policyFile), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
