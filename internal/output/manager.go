package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bookget/capture/internal/utils"
)

type CaptureOutput struct {
	Seq       int
	URL       string
	Path      string
	Status    string
	Size      int64
	Error     error
	StartTime time.Time
	EndTime   time.Time
}

// Manager follows the captures of a run. On a terminal it redraws a live view,
// elsewhere it prints one line per finished capture.
type Manager struct {
	mutex       sync.Mutex
	out         io.Writer
	live        bool
	captures    []*CaptureOutput
	numLines    int
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
	started     bool
}

func NewManager(out io.Writer) *Manager {
	return &Manager{
		out:         out,
		live:        IsTerminal(out),
		displayTick: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

func (m *Manager) Captured(seq int, url, path string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.captures = append(m.captures, &CaptureOutput{
		Seq:       seq,
		URL:       url,
		Path:      path,
		Status:    "pending",
		StartTime: time.Now(),
	})
}

func (m *Manager) Finished(seq int, path string, size int64, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var info *CaptureOutput
	for i := len(m.captures) - 1; i >= 0; i-- {
		if c := m.captures[i]; c.Status == "pending" && c.Seq == seq && c.Path == path {
			info = c
			break
		}
	}
	if info == nil {
		return
	}
	info.EndTime = time.Now()
	info.Size = size
	info.Error = err
	info.Status = "success"
	if err != nil {
		info.Status = "error"
	}
	if !m.live {
		fmt.Fprintln(m.out, m.line(info))
	}
}

func (m *Manager) statusIndicator(status string) string {
	switch status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) line(info *CaptureOutput) string {
	indent := strings.Repeat(" ", 2)
	switch info.Status {
	case "success":
		elapsed := info.EndTime.Sub(info.StartTime).Round(time.Millisecond)
		return fmt.Sprintf("%s%s %s %s", indent, m.statusIndicator(info.Status), successStyle.Render(truncate(info.Path, 4)),
			debugStyle.Render(fmt.Sprintf("%s in %s", utils.FormatBytes(uint64(info.Size)), elapsed)))
	case "error":
		return fmt.Sprintf("%s%s %s %s", indent, m.statusIndicator(info.Status), errorStyle.Render(truncate(info.Path, 4)),
			debugStyle.Render(info.Error.Error()))
	default:
		elapsed := time.Since(info.StartTime).Round(time.Second)
		return fmt.Sprintf("%s%s %s %s %s", indent, m.statusIndicator(info.Status), debugStyle.Render(elapsed.String()),
			pendingStyle.Render(truncate(info.URL, 16)), StyleSymbols["arrow"]+" "+info.Path)
	}
}

func (m *Manager) updateDisplay() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, height := terminalSize()
	available := height - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	shown := m.captures
	if len(shown) > available {
		hidden := len(shown) - available + 1
		fmt.Fprintln(m.out, infoStyle.Render(fmt.Sprintf("  %d earlier captures hidden ...", hidden)))
		shown = shown[hidden:]
		m.numLines = 1
	} else {
		m.numLines = 0
	}
	for _, info := range shown {
		fmt.Fprintln(m.out, m.line(info))
		m.numLines++
	}
}

func (m *Manager) StartDisplay() {
	if !m.live {
		return
	}
	m.started = true
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				return
			}
		}
	}()
}

// StopDisplay ends the live view and prints the run summary.
func (m *Manager) StopDisplay() {
	if m.started {
		close(m.doneCh)
		m.displayWg.Wait()
	}
	m.ShowSummary()
}

// Totals counts finished captures and the bytes they wrote.
func (m *Manager) Totals() (succeeded, failed int, written int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, info := range m.captures {
		switch info.Status {
		case "success":
			succeeded++
			written += info.Size
		case "error":
			failed++
		}
	}
	return succeeded, failed, written
}

func (m *Manager) ShowSummary() {
	succeeded, failed, written := m.Totals()
	m.mutex.Lock()
	defer m.mutex.Unlock()
	total := len(m.captures)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d (%s)", succeeded, total, utils.FormatBytes(uint64(written)))))
	if failed == 0 {
		fmt.Fprintln(m.out)
		return
	}
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	n := 0
	for _, info := range m.captures {
		if info.Status != "error" {
			continue
		}
		n++
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 4),
			errorStyle.Render(fmt.Sprintf("%d.", n)),
			debugStyle.Render(fmt.Sprintf("[%s]", info.EndTime.Format("15:04:05"))),
			errorStyle.Render(info.URL))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 6), errorStyle.Render(fmt.Sprintf("Error: %v", info.Error)))
	}
	fmt.Fprintln(m.out)
}
