package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// ANSI escape codes for the breach panel.
const (
	colReset  = "\033[0m"
	colBold   = "\033[1m"
	colRed    = "\033[31m"
	colYellow = "\033[33m"
	colGreen  = "\033[32m"
	colCyan   = "\033[36m"

	boxTopLeft     = "╔"
	boxTopRight    = "╗"
	boxBottomLeft  = "╚"
	boxBottomRight = "╝"
	boxHorizontal  = "═"
	boxVertical    = "║"
	boxTeeRight    = "╠"
	boxTeeLeft     = "╣"

	panelWidth = 72
)

// TerminalSink renders breach events as a bordered panel on the terminal.
type TerminalSink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewTerminalSink() *TerminalSink {
	return &TerminalSink{out: os.Stdout}
}

func (t *TerminalSink) Name() string { return "terminal" }

// Dispatch draws one panel per event: a header with the account and firm,
// then one line per breach, hard breaches in red, warnings in yellow.
func (t *TerminalSink) Dispatch(ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder

	headColor := colYellow
	headline := "COMPLIANCE WARNING"
	if ev.Hard() {
		headColor = colRed
		headline = "HARD BREACH"
	}

	label := ev.Label
	if label == "" {
		label = ev.AccountID
	}

	rule := strings.Repeat(boxHorizontal, panelWidth-2)
	b.WriteString(headColor + boxTopLeft + rule + boxTopRight + colReset + "\n")
	panelLine(&b, headColor, fmt.Sprintf("%s%s — %s (%s)%s", colBold, headline, label, ev.Firm, colReset))
	panelLine(&b, headColor, fmt.Sprintf("equity %s %s  balance %s  margin level %s  [rules: %s]",
		money(ev.Snapshot.Equity), ev.Snapshot.Currency,
		money(ev.Snapshot.Balance),
		marginLevel(ev), ev.RulesSource))
	b.WriteString(headColor + boxTeeRight + rule + boxTeeLeft + colReset + "\n")

	for _, br := range ev.Breaches {
		mark := colYellow + "⚠"
		if br.Hard() {
			mark = colRed + "✖"
		}
		panelLine(&b, headColor, fmt.Sprintf("%s %-17s%s %s", mark, br.Code, colReset, br.Message))
	}

	panelLine(&b, headColor, fmt.Sprintf("%sobserved %s%s", colCyan, ev.At.Format("2006-01-02 15:04:05"), colReset))
	b.WriteString(headColor + boxBottomLeft + rule + boxBottomRight + colReset + "\n")

	_, err := fmt.Fprint(t.out, b.String())
	return err
}

// panelLine writes one bordered content line, padding to the panel width.
// ANSI sequences do not count toward the visible width.
func panelLine(b *strings.Builder, border, content string) {
	visible := visibleLen(content)
	pad := panelWidth - 4 - visible
	if pad < 0 {
		pad = 0
	}
	b.WriteString(border + boxVertical + colReset + " " + content + strings.Repeat(" ", pad) + " " + border + boxVertical + colReset + "\n")
}

func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		case r == '\033':
			inEscape = true
		default:
			n++
		}
	}
	return n
}

func marginLevel(ev Event) string {
	if ev.Snapshot.MarginUsed <= 0 {
		return "∞"
	}
	return decimal.NewFromFloat(ev.Snapshot.MarginLevelPct()).StringFixed(1) + "%"
}

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}
