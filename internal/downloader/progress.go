package downloader

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressTracker tracks download progress across every recording of a run
// and renders it as a single status line.
//
// A nil *ProgressTracker is valid and does nothing, so callers never have to
// check whether progress output is enabled.
//
// See: https://context7.com/golang/go for Go documentation
type ProgressTracker struct {
	mu  sync.Mutex
	out io.Writer

	// Segment counts
	total   int
	fetched int
	reused  int
	failed  int

	// Byte counts
	downloadedBytes int64

	// Timing
	startTime time.Time
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewProgressTracker creates a tracker writing to out.
func NewProgressTracker(out io.Writer) *ProgressTracker {
	return &ProgressTracker{out: out, startTime: time.Now(), now: time.Now}
}

// AddTotal adds segments to the expected total.
func (p *ProgressTracker) AddTotal(n int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total += n
}

// IncrementFetched records a downloaded segment.
func (p *ProgressTracker) IncrementFetched(bytes int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetched++
	p.downloadedBytes += bytes
}

// IncrementReused records a segment found already staged.
func (p *ProgressTracker) IncrementReused(bytes int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reused++
}

// IncrementFailed records a segment that exhausted its attempts.
func (p *ProgressTracker) IncrementFailed() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed++
}

// Start prints progress every interval until Stop is called.
func (p *ProgressTracker) Start(interval time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.PrintProgress()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends periodic printing and prints a final summary.
func (p *ProgressTracker) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	p.PrintSummary()
}

// PrintProgress prints a formatted progress update.
func (p *ProgressTracker) PrintProgress() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\r%-120s", p.line())
}

func (p *ProgressTracker) line() string {
	elapsed := p.now().Sub(p.startTime)

	// Calculate download speed
	var speed float64
	if elapsed.Seconds() > 0 {
		speed = float64(p.downloadedBytes) / elapsed.Seconds()
	}

	settled := p.fetched + p.reused + p.failed
	var percentage float64
	if p.total > 0 {
		percentage = float64(settled) / float64(p.total) * 100
	}
	return fmt.Sprintf("Progress: %d/%d segments (%.1f%%) | %d failed | %s downloaded | %s/s | Elapsed: %s",
		settled, p.total, percentage, p.failed,
		humanize.Bytes(uint64(p.downloadedBytes)), humanize.Bytes(uint64(speed)), formatDuration(elapsed))
}

// PrintSummary prints a final summary of the run.
func (p *ProgressTracker) PrintSummary() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.now().Sub(p.startTime)
	var avgSpeed float64
	if elapsed.Seconds() > 0 {
		avgSpeed = float64(p.downloadedBytes) / elapsed.Seconds()
	}

	rule := "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, rule)
	fmt.Fprintln(p.out, "                              Segments Settled")
	fmt.Fprintln(p.out, rule)
	fmt.Fprintf(p.out, "  Total Segments:         %d\n", p.total)
	fmt.Fprintf(p.out, "    • Downloaded:         %d\n", p.fetched)
	fmt.Fprintf(p.out, "    • Already Staged:     %d\n", p.reused)
	fmt.Fprintf(p.out, "    • Failed:             %d\n", p.failed)
	fmt.Fprintf(p.out, "\n")
	fmt.Fprintf(p.out, "  Total Data:             %s\n", humanize.Bytes(uint64(p.downloadedBytes)))
	fmt.Fprintf(p.out, "  Average Speed:          %s/s\n", humanize.Bytes(uint64(avgSpeed)))
	fmt.Fprintf(p.out, "  Time Elapsed:           %s\n", formatDuration(elapsed))
	fmt.Fprintln(p.out, rule)
}

// formatDuration formats a duration into a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	} else if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
