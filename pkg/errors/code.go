package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Sandbox errors
// 21000-21999: Judge pipeline errors
// 22000-22999: Boundary (queue/storage/status) errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Timeout             ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Cancelled           ErrorCode = 10006

	// Configuration errors (10100-10199)
	ConfigError ErrorCode = 10100

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Sandbox Errors (20000-20999) ==========

	// Resource limiter (20000-20099)
	LimitError ErrorCode = 20000

	// Syscall policy (20100-20199)
	PolicyError          ErrorCode = 20100
	PolicyUnknownSyscall ErrorCode = 20101
	PolicyNotFound       ErrorCode = 20102

	// Supervisor (20200-20299)
	SupervisorError ErrorCode = 20200
	ExecFailed      ErrorCode = 20201
	WaitFailed      ErrorCode = 20202

	// ========== Judge Pipeline Errors (21000-21999) ==========

	JudgeSystemError     ErrorCode = 21000
	JudgeQueueFull       ErrorCode = 21001
	LanguageNotSupported ErrorCode = 21002
	WorkspaceError       ErrorCode = 21003

	// ========== Boundary Errors (22000-22999) ==========

	QueueError   ErrorCode = 22000
	StatusError  ErrorCode = 22100
	PackageError ErrorCode = 22200
)

var codeMessages = map[ErrorCode]string{
	Success:             "success",
	InternalServerError: "internal server error",
	InvalidParams:       "invalid parameters",
	NotFound:            "resource not found",
	Timeout:             "operation timed out",
	ServiceUnavailable:  "service unavailable",
	Cancelled:           "operation cancelled",

	ConfigError: "invalid configuration",

	ValidationFailed:   "validation failed",
	RequiredFieldEmpty: "required field is empty",

	LimitError:           "resource limit could not be applied",
	PolicyError:          "syscall policy is invalid",
	PolicyUnknownSyscall: "syscall policy references an unknown syscall",
	PolicyNotFound:       "syscall policy not found",
	SupervisorError:      "sandbox supervisor failure",
	ExecFailed:           "target execution failed",
	WaitFailed:           "wait for sandboxed process failed",

	JudgeSystemError:     "judge system error",
	JudgeQueueFull:       "judge worker pool is full",
	LanguageNotSupported: "language is not supported",
	WorkspaceError:       "workspace preparation failed",

	QueueError:   "message queue error",
	StatusError:  "status repository error",
	PackageError: "problem package error",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

// HTTPStatus maps the error code to an HTTP status for API responses
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return 200
	case InvalidParams, ValidationFailed, RequiredFieldEmpty:
		return 400
	case NotFound, PolicyNotFound, LanguageNotSupported:
		return 404
	case Timeout:
		return 408
	case JudgeQueueFull:
		return 429
	case ServiceUnavailable, QueueError:
		return 503
	default:
		return 500
	}
}
