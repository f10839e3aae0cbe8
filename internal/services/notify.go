package services

import "context"

// ChangeNotifier is told after a thread's committed state changed, so live
// readers can refresh their snapshot.
type ChangeNotifier interface {
	ThreadChanged(ctx context.Context, threadID string)
}

// FlushSink receives coalesced partial content while a message streams.
type FlushSink interface {
	StreamFlushed(ctx context.Context, threadID, messageID, content string)
}

func notify(ctx context.Context, n ChangeNotifier, threadID string) {
	if n != nil {
		n.ThreadChanged(ctx, threadID)
	}
}
