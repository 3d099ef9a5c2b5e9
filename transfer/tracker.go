package transfer

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// usageTracker records transfer lifecycle events.
type usageTracker interface {
	logTransferUploaded(uploadTime time.Duration, sizeBytes int64, chunkCount int)
	logTransferFailed(reason string)
	wait()
}

type transferTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newTransferTracker(envRepo env.Repository, logger log.Logger) *transferTracker {
	p := analytics.Properties{
		"app_slug":   envRepo.Get("BITRISE_APP_SLUG"),
		"build_slug": envRepo.Get("BITRISE_BUILD_SLUG"),
	}
	return &transferTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *transferTracker) logTransferUploaded(uploadTime time.Duration, sizeBytes int64, chunkCount int) {
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": sizeBytes,
		"chunk_count":       chunkCount,
	}
	t.tracker.Enqueue("transfer_file_uploaded", properties)
}

func (t *transferTracker) logTransferFailed(reason string) {
	properties := analytics.Properties{
		"reason": reason,
	}
	t.tracker.Enqueue("transfer_file_failed", properties)
}

func (t *transferTracker) wait() {
	t.tracker.Wait()
}
