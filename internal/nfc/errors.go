package nfc

// Error codes
const (
	// Controller error codes (0x100 range)
	ErrCodeControllerRejected = -0x101

	// State error codes (0x200 range)
	ErrCodeSemantic   = -0x201
	ErrCodeNotAllowed = -0x202

	// Resource error codes (0x300 range)
	ErrCodeBufferFull   = -0x301
	ErrCodeInvalidParam = -0x302

	// Timeout error codes (0x400 range)
	ErrCodeTimeout = -0x401

	// Transport error codes (0x500 range)
	ErrCodeTransportWrite   = -0x501
	ErrCodeTransportRead    = -0x502
	ErrCodeTransportPoll    = -0x503
	ErrCodeInvalidHeader    = -0x504
	ErrCodeIncompleteMsg    = -0x505
	ErrCodeUnexpectedReset  = -0x506
	ErrCodeTransportTimeout = -0x507
)

// NFCError is the base interface for all stack errors
type NFCError interface {
	error
	IsNFCError() bool
	Code() int
	Status() Status
}

// ControllerError is a command the NFCC answered with a non-OK status
type ControllerError interface {
	NFCError
	IsControllerError() bool
}

// StateError is an operation requested in a state that forbids it
type StateError interface {
	NFCError
	IsStateError() bool
}

// ResourceError is a capacity or argument check that failed before any
// command was sent
type ResourceError interface {
	NFCError
	IsResourceError() bool
}

// TimeoutError is a response or notification that never arrived
type TimeoutError interface {
	NFCError
	IsTimeoutError() bool
}

// TransportError is a failure of the byte link to the controller
type TransportError interface {
	NFCError
	IsTransportError() bool
}

// baseError provides common functionality for all error types
type baseError struct {
	code    int
	status  Status
	message string
}

func (e *baseError) Error() string {
	return e.message
}

func (e *baseError) Code() int {
	return e.code
}

func (e *baseError) Status() Status {
	return e.status
}

func (e *baseError) IsNFCError() bool {
	return true
}

type controllerError struct {
	baseError
}

func (e *controllerError) IsControllerError() bool {
	return true
}

type stateError struct {
	baseError
}

func (e *stateError) IsStateError() bool {
	return true
}

type resourceError struct {
	baseError
}

func (e *resourceError) IsResourceError() bool {
	return true
}

type timeoutError struct {
	baseError
}

func (e *timeoutError) IsTimeoutError() bool {
	return true
}

type transportError struct {
	baseError
	cause error
}

func (e *transportError) IsTransportError() bool {
	return true
}

func (e *transportError) Unwrap() error {
	return e.cause
}

// NewControllerError reports a command rejected by the NFCC with status
func NewControllerError(message string, status Status) error {
	return &controllerError{
		baseError: baseError{code: ErrCodeControllerRejected, status: status, message: message},
	}
}

func NewSemanticError(message string) error {
	return &stateError{
		baseError: baseError{code: ErrCodeSemantic, status: StatusSemanticError, message: message},
	}
}

// NewNotAllowedError is a state mismatch reported as FAILED
func NewNotAllowedError(message string) error {
	return &stateError{
		baseError: baseError{code: ErrCodeNotAllowed, status: StatusFailed, message: message},
	}
}

func NewBufferFullError(message string) error {
	return &resourceError{
		baseError: baseError{code: ErrCodeBufferFull, status: StatusBufferFull, message: message},
	}
}

func NewInvalidParamError(message string) error {
	return &resourceError{
		baseError: baseError{code: ErrCodeInvalidParam, status: StatusInvalidParam, message: message},
	}
}

func NewTimeoutError(message string) error {
	return &timeoutError{
		baseError: baseError{code: ErrCodeTimeout, status: StatusTimeout, message: message},
	}
}

// Transport error constructors

func NewTransportWriteError(message string, cause error) error {
	return &transportError{
		baseError: baseError{code: ErrCodeTransportWrite, status: StatusFailed, message: message},
		cause:     cause,
	}
}

func NewTransportReadError(message string, cause error) error {
	return &transportError{
		baseError: baseError{code: ErrCodeTransportRead, status: StatusFailed, message: message},
		cause:     cause,
	}
}

func NewTransportPollError(message string, cause error) error {
	return &transportError{
		baseError: baseError{code: ErrCodeTransportPoll, status: StatusFailed, message: message},
		cause:     cause,
	}
}

func NewTransportTimeoutError(message string) error {
	return &transportError{
		baseError: baseError{code: ErrCodeTransportTimeout, status: StatusTimeout, message: message},
	}
}

func NewInvalidHeaderError(message string) error {
	return &transportError{
		baseError: baseError{code: ErrCodeInvalidHeader, status: StatusSyntaxError, message: message},
	}
}

func NewIncompleteMsgError(message string) error {
	return &transportError{
		baseError: baseError{code: ErrCodeIncompleteMsg, status: StatusSyntaxError, message: message},
	}
}

func NewUnexpectedResetError(message string) error {
	return &transportError{
		baseError: baseError{code: ErrCodeUnexpectedReset, status: StatusFailed, message: message},
	}
}

// Helper functions for error type checking

// IsControllerError checks if an error is a controller rejection
func IsControllerError(err error) bool {
	if err == nil {
		return false
	}
	cErr, ok := err.(ControllerError)
	return ok && cErr.IsControllerError()
}

// IsStateError checks if an error is a state mismatch
func IsStateError(err error) bool {
	if err == nil {
		return false
	}
	sErr, ok := err.(StateError)
	return ok && sErr.IsStateError()
}

// IsResourceError checks if an error is a capacity or argument failure
func IsResourceError(err error) bool {
	if err == nil {
		return false
	}
	rErr, ok := err.(ResourceError)
	return ok && rErr.IsResourceError()
}

// IsTimeoutError checks if an error is a timeout
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	tErr, ok := err.(TimeoutError)
	return ok && tErr.IsTimeoutError()
}

// IsTransportError checks if an error is a link failure requiring
// reinitialization
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	tErr, ok := err.(TransportError)
	return ok && tErr.IsTransportError()
}

// IsUnexpectedResetError checks if the controller reset itself
func IsUnexpectedResetError(err error) bool {
	if err == nil {
		return false
	}
	nErr, ok := err.(NFCError)
	return ok && nErr.Code() == ErrCodeUnexpectedReset
}

// StatusOf maps err to the status reported in events. nil is OK, errors
// outside the hierarchy are FAILED.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	if nErr, ok := err.(NFCError); ok {
		return nErr.Status()
	}
	return StatusFailed
}
