package toolforge

import (
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// levelTags colors build log lines by the level classifyLine gives them.
var levelTags = map[Level]string{
	LevelWarning: "[yellow]",
	LevelError:   "[red]",
	LevelTask:    "[aqua]",
	LevelSuccess: "[green]",
}

// RunPager shows lines in a scrollable view when stdout is a terminal and the
// text does not fit; otherwise it just prints them.
func RunPager(title string, lines []string) error {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}
	if _, height, err := term.GetSize(fd); err == nil && len(lines) <= height-2 {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	app := tview.NewApplication()
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	textView.SetBorder(true).SetTitle(" " + title + " ")

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		escaped := tview.Escape(line)
		if tag, ok := levelTags[classifyLine(line)]; ok {
			b.WriteString(tag + escaped + "[-]")
		} else {
			b.WriteString(escaped)
		}
	}
	textView.SetText(b.String())

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(fmt.Sprintf("[gray]%d lines. ↑/↓ PgUp/PgDn Home/End scroll, g/G jump, q or Esc quits.[white]", len(lines)))

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(textView, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				app.Stop()
				return nil
			case 'g':
				textView.ScrollToBeginning()
				return nil
			case 'G':
				textView.ScrollToEnd()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(textView).Run(); err != nil {
		return fmt.Errorf("pager execution failed: %w", err)
	}
	return nil
}
