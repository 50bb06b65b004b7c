package apperr

// Code classifies a failure surfaced to callers of the sync core.
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeForbidden          Code = "FORBIDDEN"
	CodeEditWindowExpired  Code = "EDIT_WINDOW_EXPIRED"
	CodeNotConnected       Code = "NOT_CONNECTED"
	CodeUploadFailed       Code = "UPLOAD_FAILED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeTransport          Code = "TRANSPORT"
	CodeInternal           Code = "INTERNAL"
)
