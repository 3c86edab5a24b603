// Package events defines the sink the file manager and chunk engines
// publish lifecycle notifications to. Transport (log line, message bus,
// control-server push) is an external concern; this package only defines
// the shape and a structured-log default.
package events

import (
	"log/slog"

	"github.com/repertory/repertory/pkg/apitypes"
)

// Sink receives filesystem and transfer lifecycle events. Implementations
// must not block the caller for long; the chunk engines and upload manager
// call these inline on their own goroutines.
type Sink interface {
	DownloadBegin(apiPath apitypes.ApiPath, size int64)
	DownloadProgress(apiPath apitypes.ApiPath, downloaded, size int64)
	DownloadEnd(apiPath apitypes.ApiPath, err error)
	FileUploaded(apiPath apitypes.ApiPath, size int64)
	UploadFailed(apiPath apitypes.ApiPath, err error)
	FilePinned(apiPath apitypes.ApiPath)
	FileUnpinned(apiPath apitypes.ApiPath)
	ChunkRemoved(apiPath apitypes.ApiPath, chunkIndex int64)
}

// LogSink is the default Sink: one structured log line per event.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a Sink that writes through logger, or slog.Default() if
// logger is nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

func (s *LogSink) DownloadBegin(apiPath apitypes.ApiPath, size int64) {
	s.logger.Info("download_begin", "api_path", apiPath, "size", size)
}

func (s *LogSink) DownloadProgress(apiPath apitypes.ApiPath, downloaded, size int64) {
	s.logger.Debug("download_progress", "api_path", apiPath, "downloaded", downloaded, "size", size)
}

func (s *LogSink) DownloadEnd(apiPath apitypes.ApiPath, err error) {
	if err != nil {
		s.logger.Warn("download_end", "api_path", apiPath, "error", err)
		return
	}
	s.logger.Info("download_end", "api_path", apiPath)
}

func (s *LogSink) FileUploaded(apiPath apitypes.ApiPath, size int64) {
	s.logger.Info("file_uploaded", "api_path", apiPath, "size", size)
}

func (s *LogSink) UploadFailed(apiPath apitypes.ApiPath, err error) {
	s.logger.Warn("upload_failed", "api_path", apiPath, "error", err)
}

func (s *LogSink) FilePinned(apiPath apitypes.ApiPath) {
	s.logger.Info("file_pinned", "api_path", apiPath)
}

func (s *LogSink) FileUnpinned(apiPath apitypes.ApiPath) {
	s.logger.Info("file_unpinned", "api_path", apiPath)
}

func (s *LogSink) ChunkRemoved(apiPath apitypes.ApiPath, chunkIndex int64) {
	s.logger.Debug("chunk_removed", "api_path", apiPath, "chunk_index", chunkIndex)
}

// NopSink discards every event; useful in tests.
type NopSink struct{}

func (NopSink) DownloadBegin(apitypes.ApiPath, int64)            {}
func (NopSink) DownloadProgress(apitypes.ApiPath, int64, int64)  {}
func (NopSink) DownloadEnd(apitypes.ApiPath, error)              {}
func (NopSink) FileUploaded(apitypes.ApiPath, int64)             {}
func (NopSink) UploadFailed(apitypes.ApiPath, error)             {}
func (NopSink) FilePinned(apitypes.ApiPath)                      {}
func (NopSink) FileUnpinned(apitypes.ApiPath)                    {}
func (NopSink) ChunkRemoved(apitypes.ApiPath, int64)             {}
