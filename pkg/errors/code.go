package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Sandbox lifecycle errors
// 12000-12999: Container runtime errors
// 13000-13999: Workspace & storage errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidValue     ErrorCode = 10301

	// ========== Sandbox Lifecycle Errors (11000-11999) ==========

	// Record operations (11000-11099)
	SandboxNotFound      ErrorCode = 11000
	SandboxAlreadyExists ErrorCode = 11001
	SandboxCreateFailed  ErrorCode = 11002
	SandboxUpdateFailed  ErrorCode = 11003
	SandboxDeleteFailed  ErrorCode = 11004

	// State machine (11100-11199)
	InvalidStatusTransition ErrorCode = 11100
	SandboxTerminating      ErrorCode = 11101

	// Pool (11200-11299)
	PoolShutDown ErrorCode = 11200

	// ========== Container Runtime Errors (12000-12999) ==========

	RuntimeStartFailed ErrorCode = 12000
	RuntimeStopFailed  ErrorCode = 12001
	RuntimeUnavailable ErrorCode = 12002
	ContainerNotFound  ErrorCode = 12003

	// ========== Workspace & Storage Errors (13000-13999) ==========

	WorkspaceCreateFailed  ErrorCode = 13000
	WorkspaceArchiveFailed ErrorCode = 13001
	StorageError           ErrorCode = 13002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidValue:     "Invalid value",

	// Sandbox lifecycle
	SandboxNotFound:      "Sandbox not found",
	SandboxAlreadyExists: "Sandbox already exists for this user",
	SandboxCreateFailed:  "Failed to start sandbox",
	SandboxUpdateFailed:  "Failed to update sandbox",
	SandboxDeleteFailed:  "Failed to delete sandbox",

	InvalidStatusTransition: "Invalid sandbox status transition",
	SandboxTerminating:      "Sandbox is terminating",

	PoolShutDown: "Sandbox pool is shut down",

	// Container runtime
	RuntimeStartFailed: "Container runtime failed to start sandbox",
	RuntimeStopFailed:  "Container runtime failed to stop sandbox",
	RuntimeUnavailable: "Container runtime unavailable",
	ContainerNotFound:  "Container not found",

	// Workspace & storage
	WorkspaceCreateFailed:  "Failed to create sandbox workspace",
	WorkspaceArchiveFailed: "Failed to archive sandbox workspace",
	StorageError:           "Object storage operation failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SandboxNotFound, c == RecordNotFound, c == ContainerNotFound:
		return 404
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == SandboxCreateFailed, c == RuntimeStartFailed, c == RuntimeUnavailable, c == PoolShutDown:
		return 503
	case c == SandboxTerminating, c == RecordAlreadyExists, c == SandboxAlreadyExists:
		return 409
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
