package errors

import (
	"context"
	stderrors "errors"
	"net/http"

	"liveclass/internal/core/domain"
)

// notFound names the resource behind each missing-entity sentinel.
var notFound = []struct {
	err      error
	resource string
}{
	{domain.ErrRoomNotFound, "room"},
	{domain.ErrPeerNotFound, "peer"},
	{domain.ErrTransportNotFound, "transport"},
	{domain.ErrProducerNotFound, "producer"},
	{domain.ErrConsumerNotFound, "consumer"},
	{domain.ErrClassNotFound, "class"},
}

// FromDomain maps a domain or media engine failure to an AppError. Errors
// that already carry an AppError are returned unchanged.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, nf := range notFound {
		if stderrors.Is(err, nf.err) {
			return NewNotFoundError(nf.resource).WithCause(err)
		}
	}

	switch {
	case stderrors.Is(err, domain.ErrAccessDenied):
		return NewForbiddenError(domain.ErrAccessDenied.Error()).WithCause(err)
	case stderrors.Is(err, domain.ErrIncompatibleCapabilities):
		return NewCapabilityMismatchError(err.Error()).WithCause(err)
	case stderrors.Is(err, domain.ErrEngine),
		stderrors.Is(err, domain.ErrWorkerUnavailable),
		stderrors.Is(err, context.DeadlineExceeded):
		return NewEngineError(err)
	case stderrors.Is(err, domain.ErrInvalidClass):
		return NewInvalidInputError(err.Error()).WithCause(err)
	case stderrors.Is(err, domain.ErrPeerExists),
		stderrors.Is(err, domain.ErrClassExists):
		return WrapError(err, ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrRoomClosed),
		stderrors.Is(err, domain.ErrTransportDirection),
		stderrors.Is(err, domain.ErrTransportNotConnected),
		stderrors.Is(err, domain.ErrNoRecvTransport),
		stderrors.Is(err, domain.ErrOwnProducer):
		return NewInvalidStateError(err.Error()).WithCause(err)
	default:
		return NewInternalError("internal error").WithCause(err)
	}
}
