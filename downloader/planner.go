package downloader

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"wmefetch/internal"
	"wmefetch/utils"
)

const (
	// ResumeMetadataExt is the file extension for resume metadata files
	ResumeMetadataExt = ".wme.json"
	// PartFileExt marks an output file that is still being downloaded
	PartFileExt = ".part"
	// maxResumeAge bounds how long an interrupted download can be resumed
	maxResumeAge = 7 * 24 * time.Hour
)

// DownloadPlanner splits a resource into byte ranges and keeps the resume
// bookkeeping for file downloads.
type DownloadPlanner struct {
	chunkSize int64
	fileOps   *utils.FileOperations
	now       func() time.Time
}

// NewDownloadPlanner returns a planner using chunkSize bytes per range.
// chunkSize <= 0 plans a single range covering the whole resource.
func NewDownloadPlanner(chunkSize int64, fileOps *utils.FileOperations) *DownloadPlanner {
	if fileOps == nil {
		fileOps = utils.NewFileOperations()
	}
	return &DownloadPlanner{chunkSize: chunkSize, fileOps: fileOps, now: time.Now}
}

// ChunkSize returns the configured chunk size.
func (p *DownloadPlanner) ChunkSize() int64 {
	return p.chunkSize
}

// CalculateRanges partitions [0, contentLength) into inclusive ranges of
// chunkSize bytes; only the last may be shorter. A zero-length resource has
// no ranges.
func (p *DownloadPlanner) CalculateRanges(contentLength int64) []internal.ByteRange {
	return PlanRanges(contentLength, p.chunkSize)
}

// PlanRanges is CalculateRanges without a planner.
func PlanRanges(contentLength, chunkSize int64) []internal.ByteRange {
	if contentLength <= 0 {
		return []internal.ByteRange{}
	}
	if chunkSize <= 0 || chunkSize > contentLength {
		chunkSize = contentLength
	}

	count := (contentLength + chunkSize - 1) / chunkSize
	ranges := make([]internal.ByteRange, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize - 1
		if end > contentLength-1 {
			end = contentLength - 1
		}
		ranges = append(ranges, internal.ByteRange{Index: int(i), Start: start, End: end})
	}
	return ranges
}

// PendingRanges drops the ranges whose index is in completed.
func PendingRanges(ranges []internal.ByteRange, completed []int) []internal.ByteRange {
	done := make(map[int]bool, len(completed))
	for _, idx := range completed {
		done[idx] = true
	}
	pending := make([]internal.ByteRange, 0, len(ranges))
	for _, r := range ranges {
		if !done[r.Index] {
			pending = append(pending, r)
		}
	}
	return pending
}

// CalculateResumeProgress returns the percentage of bytes already downloaded
func CalculateResumeProgress(ranges []internal.ByteRange, completed []int) float64 {
	var total, done int64
	finished := make(map[int]bool, len(completed))
	for _, idx := range completed {
		finished[idx] = true
	}
	for _, r := range ranges {
		total += r.Len()
		if finished[r.Index] {
			done += r.Len()
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100.0
}

// LoadResumeMetadata loads download progress metadata from disk
func (p *DownloadPlanner) LoadResumeMetadata(outputPath string) (*internal.ResumeMetadata, error) {
	metadataPath := outputPath + ResumeMetadataExt

	data, err := p.fileOps.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read resume metadata: %w", err)
	}

	var resumeData internal.ResumeMetadata
	if err := json.Unmarshal(data, &resumeData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume metadata: %w", err)
	}
	return &resumeData, nil
}

// SaveResumeMetadata atomically rewrites the metadata file.
func (p *DownloadPlanner) SaveResumeMetadata(outputPath string, resumeData *internal.ResumeMetadata) error {
	resumeData.UpdatedAt = p.now()

	data, err := json.MarshalIndent(resumeData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal resume metadata: %w", err)
	}
	if err := p.fileOps.AtomicWriteFile(outputPath+ResumeMetadataExt, data); err != nil {
		return fmt.Errorf("failed to write resume metadata: %w", err)
	}
	return nil
}

// CleanupResumeMetadata removes the resume metadata file after successful download
func (p *DownloadPlanner) CleanupResumeMetadata(outputPath string) error {
	if err := p.fileOps.Remove(outputPath + ResumeMetadataExt); err != nil {
		return fmt.Errorf("failed to cleanup resume metadata: %w", err)
	}
	return nil
}

// DetectResumableDownload returns the saved progress for outputPath when it
// still describes the same remote content, the same chunk size and a usable
// part file. Stale or mismatched state is removed and nil is returned.
func (p *DownloadPlanner) DetectResumableDownload(outputPath, resource string, meta *internal.ResourceMetadata) *internal.ResumeMetadata {
	partPath := outputPath + PartFileExt
	metadataPath := outputPath + ResumeMetadataExt

	if !p.fileOps.FileExists(metadataPath) {
		return nil
	}

	discard := func(reason string) *internal.ResumeMetadata {
		internal.LogInfo("Discarding resume state for %s: %s", outputPath, reason)
		_ = p.fileOps.Remove(metadataPath)
		_ = p.fileOps.Remove(partPath)
		return nil
	}

	if !p.fileOps.FileExists(partPath) {
		return discard("part file is missing")
	}

	resumeData, err := p.LoadResumeMetadata(outputPath)
	if err != nil {
		return discard(err.Error())
	}
	if !resumeData.Matches(resource, meta, p.chunkSize) {
		return discard("remote content or chunk size changed")
	}
	if p.now().Sub(resumeData.UpdatedAt) > maxResumeAge {
		return discard("resume data is too old")
	}
	if err := p.fileOps.ValidatePartialFile(partPath, meta.ContentLength); err != nil {
		return discard(err.Error())
	}

	return resumeData
}

// resumeTracker records finished ranges as chunk workers report them.
type resumeTracker struct {
	mu         sync.Mutex
	planner    *DownloadPlanner
	outputPath string
	data       *internal.ResumeMetadata
}

func (t *resumeTracker) markCompleted(r internal.ByteRange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Completed = append(t.data.Completed, r.Index)
	sort.Ints(t.data.Completed)
	if err := t.planner.SaveResumeMetadata(t.outputPath, t.data); err != nil {
		internal.LogWarn("Failed to update resume metadata for %s: %v", t.outputPath, err)
	}
}
