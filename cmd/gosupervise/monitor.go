package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"gosupervise/internal/protocol"
)

// monitorCmd is a supplemented feature, not in spec.md: a terminal UI that
// tails a status channel (a FIFO or regular file path) and renders
// pid/exited/killed/dumped/terminating/no_children records live. It is a
// pure consumer of the status-channel protocol and never touches the
// supervisor's internals. Grounded on the teacher's NcursesUI
// (build/ui_ncurses.go): same header+scrolling-log layout, same
// tcell.EventKey Ctrl-C/q quit handling, same QueueUpdateDraw pattern.
var monitorCmd = &cobra.Command{
	Use:   "monitor <statusfd-path>",
	Short: "Render a supervise status channel live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(args[0])
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open(%s): %w", path, err)
	}
	defer f.Close()

	app := tview.NewApplication()

	header := tview.NewTextView().SetDynamicColors(true)
	header.SetBorder(true).SetTitle(" gosupervise monitor ").SetTitleAlign(tview.AlignLeft)
	header.SetText("[yellow]Waiting for the primary child...[white]")

	events := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() { app.Draw() })
	events.SetBorder(true).SetTitle(" Status records ").SetTitleAlign(tview.AlignLeft)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 3, 0, false).
		AddItem(events, 0, 1, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' || event.Rune() == 'Q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	go tailStatus(f, app, header, events)

	return app.SetRoot(layout, true).EnableMouse(true).Run()
}

func tailStatus(f *os.File, app *tview.Application, header, events *tview.TextView) {
	scanner := bufio.NewScanner(f)
	protocol.ScanLines(scanner)

	var lines []string
	for scanner.Scan() {
		rec, ok := protocol.ParseStatus(scanner.Text())
		if !ok {
			continue
		}

		lines = append(lines, formatRecord(rec))
		if len(lines) > 200 {
			lines = lines[1:]
		}

		text := ""
		for _, l := range lines {
			text += l + "\n"
		}

		app.QueueUpdateDraw(func() {
			events.SetText(text)
			events.ScrollToEnd()
			header.SetText(headerFor(rec))
		})
	}
}

func formatRecord(rec protocol.StatusRecord) string {
	ts := time.Now().Format("15:04:05")
	switch rec.Kind {
	case protocol.StatusPID:
		return fmt.Sprintf("[%s] [green]pid[white] %d", ts, rec.Arg)
	case protocol.StatusExited:
		return fmt.Sprintf("[%s] [green]exited[white] %d", ts, rec.Arg)
	case protocol.StatusKilled:
		return fmt.Sprintf("[%s] [red]killed[white] %d", ts, rec.Arg)
	case protocol.StatusDumped:
		return fmt.Sprintf("[%s] [red]dumped[white] %d", ts, rec.Arg)
	case protocol.StatusTerminating:
		return fmt.Sprintf("[%s] [yellow]terminating[white]", ts)
	case protocol.StatusNoChildren:
		return fmt.Sprintf("[%s] [yellow]no_children[white]", ts)
	default:
		return fmt.Sprintf("[%s] %s", ts, rec.Kind)
	}
}

func headerFor(rec protocol.StatusRecord) string {
	switch rec.Kind {
	case protocol.StatusPID:
		return fmt.Sprintf("[yellow]Primary child:[white] pid %d", rec.Arg)
	case protocol.StatusTerminating:
		return "[red]Supervisor terminating[white]"
	case protocol.StatusNoChildren:
		return "[green]All descendants reaped[white]"
	default:
		return "[yellow]Monitoring...[white]"
	}
}
