package worker

import (
	"errors"

	"productshot/internal/domain"
	"productshot/internal/providers"
	"productshot/internal/queue"
)

// Failure codes written to failed jobs by the worker.
const (
	CodeWorkerError     = "worker_error"
	CodePermanent       = "permanent_failure"
	CodeInvalidPayload  = "invalid_payload"
	CodeProviderError   = "provider_error"
	CodeHandlerPanic    = "handler_panic"
	CodeUnsupportedType = "unsupported_task_type"
)

type permanentError struct {
	code string
	err  error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying: the job fails and is refunded
// on the first attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{code: CodePermanent, err: err}
}

func permanentWithCode(code string, err error) error {
	return &permanentError{code: code, err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var perr *permanentError
	return errors.As(err, &perr)
}

// failureFor classifies a handler error. Unknown errors are retryable.
func failureFor(err error) queue.Failure {
	f := queue.Failure{Code: CodeWorkerError, Message: err.Error(), Retryable: true}

	var (
		perr  *permanentError
		crash *panicError
	)
	switch {
	case errors.As(err, &crash):
		f.Code = CodeHandlerPanic
	case errors.As(err, &perr):
		f.Code, f.Retryable = perr.code, false
		if errors.Is(err, domain.ErrInvalidPayload) {
			f.Code = CodeInvalidPayload
		}
	case errors.Is(err, domain.ErrInvalidPayload):
		f.Code, f.Retryable = CodeInvalidPayload, false
	default:
		if retryable, known := providers.Retryable(err); known {
			f.Code, f.Retryable = CodeProviderError, retryable
		}
	}
	return f
}
