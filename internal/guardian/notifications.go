package guardian

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazypower/heirloom/internal/notify"
)

func scheduleGrace(ctx context.Context, n notify.Notifier, log zerolog.Logger, start, end time.Time) {
	for _, note := range []notify.Notification{
		{
			ID:     notify.GraceStartID,
			Title:  "Auto-release grace period started",
			Body:   "Open heirloom before the grace period ends to keep your keepsakes private.",
			FireAt: start,
		},
		{
			ID:     notify.GraceEndID,
			Title:  "Auto-release grace period ended",
			Body:   "Keepsakes will now be released one per week.",
			FireAt: end,
		},
	} {
		if err := n.Schedule(ctx, note); err != nil {
			log.Warn().Err(err).Str("notification", note.ID).Msg("schedule grace notification")
		}
	}
}
