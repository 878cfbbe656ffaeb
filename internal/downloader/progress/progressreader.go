package progress

import (
	"io"
	"time"
)

// ProgressReader wraps an io.Reader and reports the running byte count via a
// callback, at most once per interval.
type ProgressReader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(downloaded int64, total int64)

	downloaded int64 // cumulative, including the starting offset
	reported   int64
	lastReport time.Time
	interval   time.Duration
	now        func() time.Time
}

// NewReader starts counting at offset, so resumed downloads report absolute progress.
func NewReader(r io.Reader, offset, total int64, interval time.Duration, cb func(downloaded int64, total int64)) *ProgressReader {
	return NewReaderWithClock(r, offset, total, interval, time.Now, cb)
}

// NewReaderWithClock is NewReader with an injectable clock.
func NewReaderWithClock(r io.Reader, offset, total int64, interval time.Duration, now func() time.Time, cb func(downloaded int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		downloaded: offset,
		reported:   offset,
		lastReport: now(),
		interval:   interval,
		now:        now,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)

		if t := pr.now(); t.Sub(pr.lastReport) >= pr.interval {
			pr.report(t)
		}
	}

	return n, err
}

// Downloaded returns the cumulative byte count.
func (pr *ProgressReader) Downloaded() int64 {
	return pr.downloaded
}

// Flush reports bytes read since the last callback, if any.
func (pr *ProgressReader) Flush() {
	if pr.downloaded != pr.reported {
		pr.report(pr.now())
	}
}

func (pr *ProgressReader) report(t time.Time) {
	pr.lastReport = t
	pr.reported = pr.downloaded

	if pr.OnProgress != nil {
		pr.OnProgress(pr.downloaded, pr.Total)
	}
}
