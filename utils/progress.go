package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// ProgressTracker reports bytes written by concurrent chunk workers.
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	out       io.Writer
	startTime time.Time
	total     int64
	current   atomic.Int64

	mutex        sync.Mutex
	label        string
	lastSample   time.Time
	lastBytes    int64
	speedSamples []float64
	maxSamples   int
}

// DownloadSummary contains final download statistics
type DownloadSummary struct {
	Resource     string
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	PeakSpeed    float64 // bytes per second
}

const progressTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`

// NewProgressTracker creates a tracker for total bytes. In quiet mode nothing
// is drawn but statistics are still collected.
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	return newProgressTracker(total, quiet, os.Stderr)
}

func newProgressTracker(total int64, quiet bool, out io.Writer) *ProgressTracker {
	now := time.Now()
	tracker := &ProgressTracker{
		quiet:      quiet,
		out:        out,
		startTime:  now,
		total:      total,
		lastSample: now,
		maxSamples: 10,
	}

	if !quiet {
		bar := pb.New64(total).SetTemplate(pb.ProgressBarTemplate(progressTemplate))
		bar.SetWriter(out)
		bar.Set(pb.Bytes, true)
		bar.Set(pb.SIBytesPrefix, true)
		bar.Set("prefix", "Downloading: ")
		bar.Start()
		tracker.bar = bar
	}

	return tracker
}

// SetLabel changes the bar prefix, typically to the resource name.
func (p *ProgressTracker) SetLabel(label string) {
	p.mutex.Lock()
	p.label = label
	p.mutex.Unlock()
	if p.bar != nil {
		p.bar.Set("prefix", label+": ")
	}
}

// Add records n more bytes. Safe for concurrent use.
func (p *ProgressTracker) Add(n int64) {
	current := p.current.Add(n)
	if p.bar != nil {
		p.bar.Add64(n)
	}
	p.sample(current)
}

// Write lets the tracker sit behind an io.TeeReader or io.MultiWriter.
func (p *ProgressTracker) Write(b []byte) (int, error) {
	p.Add(int64(len(b)))
	return len(b), nil
}

func (p *ProgressTracker) sample(current int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(p.lastSample).Seconds()
	if elapsed < 0.1 {
		return
	}
	p.speedSamples = append(p.speedSamples, float64(current-p.lastBytes)/elapsed)
	if len(p.speedSamples) > p.maxSamples {
		p.speedSamples = p.speedSamples[1:]
	}
	p.lastSample = now
	p.lastBytes = current
}

// Current returns the number of bytes recorded so far.
func (p *ProgressTracker) Current() int64 {
	return p.current.Load()
}

// Finish completes the progress bar and returns download summary
func (p *ProgressTracker) Finish() *DownloadSummary {
	if p.bar != nil {
		p.bar.Finish()
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	totalTime := time.Since(p.startTime)
	current := p.current.Load()

	var averageSpeed float64
	if secs := totalTime.Seconds(); secs > 0 {
		averageSpeed = float64(current) / secs
	}

	var peakSpeed float64
	for _, speed := range p.speedSamples {
		if speed > peakSpeed {
			peakSpeed = speed
		}
	}

	summary := &DownloadSummary{
		Resource:     p.label,
		TotalBytes:   current,
		TotalTime:    totalTime,
		AverageSpeed: averageSpeed,
		PeakSpeed:    peakSpeed,
	}

	if !p.quiet {
		p.displaySummary(summary)
	}
	return summary
}

func (p *ProgressTracker) displaySummary(summary *DownloadSummary) {
	fmt.Fprintf(p.out, "\nDownloaded %s in %v (%s/s average",
		formatBytes(summary.TotalBytes),
		summary.TotalTime.Round(time.Millisecond),
		formatBytes(int64(summary.AverageSpeed)))
	if summary.PeakSpeed > 0 {
		fmt.Fprintf(p.out, ", %s/s peak", formatBytes(int64(summary.PeakSpeed)))
	}
	fmt.Fprintln(p.out, ")")
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

// formatBytes formats byte count as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
