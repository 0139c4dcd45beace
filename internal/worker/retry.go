package worker

import (
	"time"

	"github.com/hibiken/asynq"

	"github.com/mplaza/audiobrief/internal/queue"
	"github.com/mplaza/audiobrief/internal/summarizer"
)

// RetryDelay schedules retries per task type. Transcription backs off
// linearly with the attempt count; language-model tasks wait longer after a
// rate-limit rejection than after a timeout or network error.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	switch task.Type() {
	case queue.TranscribeSegmentTask:
		return time.Duration(n+1) * time.Minute
	case queue.SummarizeSegmentTask, queue.FinalizeSummaryTask:
		if summarizer.KindOf(err) == summarizer.KindRateLimited {
			return 90 * time.Second
		}
		return time.Minute
	default:
		return asynq.DefaultRetryDelayFunc(n, err, task)
	}
}
