package probe

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dgnsrekt/tabby_probe/internal/cdpcontrol"
)

// WaitOutcome records how the settle step ended.
type WaitOutcome struct {
	Mode      string `json:"mode"`
	Skipped   bool   `json:"skipped,omitempty"`
	Met       bool   `json:"met"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Report is the outcome of one probe run.
type Report struct {
	ID          string               `json:"id"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	TabCount    int                  `json:"tab_count"`
	Tab         cdpcontrol.TabInfo   `json:"tab"`
	LinkText    string               `json:"link_text"`
	ClickResult string               `json:"click_result,omitempty"`
	Clicked     bool                 `json:"clicked"`
	Wait        WaitOutcome          `json:"wait"`
	State       cdpcontrol.PageState `json:"state"`
	Excerpt     string               `json:"excerpt"`
	Error       string               `json:"error,omitempty"`
}

// printer writes the human-readable run transcript. Write errors are
// remembered and the rest of the output is dropped.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) tabs(count int) {
	p.printf("Found %d tabs\n", count)
	p.printf("Using first tab\n")
}

func (p *printer) clicking(text string) {
	p.printf("\nClicking on '%s' link...\n", text)
}

func (p *printer) clickResult(result string) {
	p.printf("Result: %s\n", result)
}

func (p *printer) state(state cdpcontrol.PageState, excerpt string) {
	p.printf("\nActive page: %s\n", state.ActivePage)
	p.printf("Has workspace content: %t\n", state.HasWorkspaceContent)
	p.printf("\nPage snippet:\n%s...\n", excerpt)
}

func (p *printer) done() {
	p.printf("\nDone!\n")
}

func (p *printer) inventory(inv cdpcontrol.Inventory) {
	p.printf("Title: %s\n", inv.Title)
	b, err := json.MarshalIndent(inv.Clickables, "", "  ")
	if err != nil {
		p.err = err
		return
	}
	p.printf("Clickable elements:\n%s\n", b)
}
