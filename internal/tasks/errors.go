package tasks

import "github.com/abilian/abilian-core/internal/common/apperrors"

var (
	ErrTasks          apperrors.Error = apperrors.New("task queue error").SetKind(apperrors.KindInternal)
	ErrUnknownTask    apperrors.Error = ErrTasks.New("no handler for task").SetKind(apperrors.KindInvalidArgument)
	ErrQueueFull      apperrors.Error = ErrTasks.New("task queue is full").SetKind(apperrors.KindConflict)
	ErrQueueClosed    apperrors.Error = ErrTasks.New("task queue is closed").SetKind(apperrors.KindInternal)
	ErrInvalidPayload apperrors.Error = ErrTasks.New("invalid task payload").SetKind(apperrors.KindInvalidArgument)
	ErrBroker         apperrors.Error = ErrTasks.New("task broker error").SetKind(apperrors.KindIO)
	ErrExpired        apperrors.Error = ErrTasks.New("task expired").SetKind(apperrors.KindConflict)
)
