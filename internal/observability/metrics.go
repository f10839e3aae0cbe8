package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Domain metrics for the conversation core. Label values are small closed
// sets (outcomes), never identifiers.
var (
	// StreamChunks counts chunks received from the model provider.
	StreamChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_stream_chunks_total",
		Help: "Chunks received from the model provider.",
	})

	// StreamFlushes counts coalesced UI flushes of streamed content.
	StreamFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_stream_flushes_total",
		Help: "Coalesced flushes of partial stream content.",
	})

	// MessagesCommitted counts committed messages by outcome
	// (complete, canceled, error).
	MessagesCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_committed_total",
		Help: "Messages committed to the log by outcome.",
	}, []string{"outcome"})

	// Regenerations counts regenerate calls by outcome (ok, conflict, error).
	Regenerations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_regenerations_total",
		Help: "Regenerate operations by outcome.",
	}, []string{"outcome"})

	// VersionSwitches counts switchVersion calls that changed the active version.
	VersionSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_version_switches_total",
		Help: "Dialog version switches that changed the active version.",
	})

	// MigrationUnits counts migrated legacy threads by outcome (ok, failed).
	MigrationUnits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_migration_threads_total",
		Help: "Legacy threads migrated by outcome.",
	}, []string{"outcome"})

	// AttachmentUploads counts uploaded files by outcome (ok, failed, preview_failed).
	AttachmentUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_attachment_uploads_total",
		Help: "Attachment uploads by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		StreamChunks, StreamFlushes, MessagesCommitted, Regenerations,
		VersionSwitches, MigrationUnits, AttachmentUploads,
	)
}
