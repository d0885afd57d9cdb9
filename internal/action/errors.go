package action

import "errors"

// Sentinel errors for the bulk action service layer.
var (
	// ErrUnsupportedActionType means no handler is registered for the
	// requested action type. Surfaced at intake; if a processor sees it,
	// the action record is inconsistent with the running binary.
	ErrUnsupportedActionType = errors.New("unsupported bulk action type")

	// ErrInvalidPayload is returned (wrapped with the handler's reason)
	// when handler validation rejects a request. No record is persisted.
	ErrInvalidPayload = errors.New("invalid payload for this bulk action type")

	// ErrNotFound means the requested bulk action does not exist.
	ErrNotFound = errors.New("bulk action not found")
)
