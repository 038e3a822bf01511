package cdc

import (
	"context"
	"fmt"
	"strconv"

	"goa.design/clue/log"

	"blueplane.dev/telemetry/event"
	"blueplane.dev/telemetry/trace"
)

// TraceSource is the slice of the trace store backfill needs. *trace.Store
// satisfies it.
type TraceSource interface {
	MaxSequence(ctx context.Context, platform event.Platform) (int64, error)
	SequencesAfter(ctx context.Context, platform event.Platform, after int64, limit int) ([]trace.Inserted, []event.Type, error)
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key string, value string) error
}

// BackfillLimit caps re-announcements per platform per run. Anything beyond
// the cap is picked up by the next run.
const BackfillLimit = 10_000

func watermarkKey(platform event.Platform) string {
	return "cdc:last_published:" + string(platform)
}

// RecordPublished advances the publish watermark for a platform. The fast
// path calls it after announcing a batch; backfill starts from it.
func RecordPublished(ctx context.Context, src TraceSource, platform event.Platform, seq int64) error {
	return src.KVSet(ctx, watermarkKey(platform), strconv.FormatInt(seq, 10))
}

// Backfill re-announces trace rows inserted past the publish watermark. Run
// at startup it repairs announcements lost to crashes between insert and
// publish; announcements are idempotent downstream so over-announcing a row
// is harmless. Returns the number of rows re-announced.
func (b *Bus) Backfill(ctx context.Context, src TraceSource) (int, error) {
	var total int
	for _, platform := range []event.Platform{event.PlatformClaudeCode, event.PlatformCursor} {
		n, err := b.backfillPlatform(ctx, src, platform)
		if err != nil {
			return total, fmt.Errorf("backfill %s: %w", platform, err)
		}
		total += n
	}
	return total, nil
}

func (b *Bus) backfillPlatform(ctx context.Context, src TraceSource, platform event.Platform) (int, error) {
	raw, err := src.KVGet(ctx, watermarkKey(platform))
	if err != nil {
		return 0, err
	}
	var watermark int64
	if raw != "" {
		if watermark, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, fmt.Errorf("corrupt watermark %q: %w", raw, err)
		}
	}
	max, err := src.MaxSequence(ctx, platform)
	if err != nil {
		return 0, err
	}
	if max <= watermark {
		return 0, nil
	}

	inserted, types, err := src.SequencesAfter(ctx, platform, watermark, BackfillLimit)
	if err != nil {
		return 0, err
	}
	var count int
	for i, ins := range inserted {
		msg := Message{
			Sequence:  ins.Sequence,
			Platform:  platform,
			EventType: types[i],
			Priority:  types[i].Priority(),
			EventID:   ins.EventID,
		}
		if err := b.Publish(ctx, msg); err != nil {
			return count, err
		}
		watermark = ins.Sequence
		count++
	}
	if count > 0 {
		log.Infof(ctx, "cdc: backfilled %d %s announcements through sequence %d", count, platform, watermark)
		if err := RecordPublished(ctx, src, platform, watermark); err != nil {
			return count, err
		}
	}
	return count, nil
}
