package compute

import (
	"context"
	"time"
)

// DefaultLogPollInterval is how often PollLogs asks a backend for new output.
const DefaultLogPollInterval = 500 * time.Millisecond

// LogFetcher reads task output starting at offset. It returns the new bytes,
// the offset to resume from, and whether the task has reached a terminal
// state. done must only be reported after the final output has been read.
type LogFetcher func(ctx context.Context, offset int64) (data []byte, next int64, done bool, err error)

// PollLogs turns an offset-based fetcher into a log stream. Streaming starts
// at start, so a caller passing the current output length sees only new
// output. The channel is closed when the task is done, when ctx is
// cancelled, or after a chunk carrying a fetch error.
func PollLogs(ctx context.Context, taskID string, start int64, interval time.Duration, fetch LogFetcher) <-chan LogChunk {
	if interval <= 0 {
		interval = DefaultLogPollInterval
	}
	out := make(chan LogChunk, 16)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		offset := start
		for {
			data, next, done, err := fetch(ctx, offset)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				send(ctx, out, LogChunk{TaskID: taskID, Time: time.Now(), Err: err})
				return
			}
			if next > offset {
				offset = next
			}
			if len(data) > 0 {
				if !send(ctx, out, LogChunk{TaskID: taskID, Data: data, Time: time.Now()}) {
					return
				}
			}
			if done {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

func send(ctx context.Context, out chan<- LogChunk, c LogChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
