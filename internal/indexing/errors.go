package indexing

import "github.com/abilian/abilian-core/internal/common/apperrors"

var (
	ErrIndexing       apperrors.Error = apperrors.New("indexing error").SetKind(apperrors.KindInternal)
	ErrIndexLocked    apperrors.Error = ErrIndexing.New("index writer is locked").SetKind(apperrors.KindLocked)
	ErrUnknownIndex   apperrors.Error = ErrIndexing.New("unknown index").SetKind(apperrors.KindNotFound)
	ErrNoAdapter      apperrors.Error = ErrIndexing.New("no adapter for entity type").SetKind(apperrors.KindInvalidArgument)
	ErrAdapterExists  apperrors.Error = ErrIndexing.New("adapter already registered").SetKind(apperrors.KindConflict)
	ErrInvalidQuery   apperrors.Error = ErrIndexing.New("invalid search query").SetKind(apperrors.KindInvalidArgument)
	ErrIndexIO        apperrors.Error = ErrIndexing.New("index storage error").SetKind(apperrors.KindIO)
	ErrWriterStopped  apperrors.Error = ErrIndexing.New("index writer stopped")
	ErrInvalidItem    apperrors.Error = ErrIndexing.New("invalid index update item").SetKind(apperrors.KindInvalidArgument)
	ErrAlreadyStarted apperrors.Error = ErrIndexing.New("indexing service already started").SetKind(apperrors.KindConflict)
)
