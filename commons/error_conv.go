package commons

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/xerrors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorTypeDelimiter          string = ";"
	errorTypeConfigurationError string = "configuration_error"
	errorTypePoolNotReady       string = "pool_not_ready"
	errorTypeJobCancelled       string = "job_cancelled"
	errorTypeTransportError     string = "transport_error"
	errorTypeQuotaExceeded      string = "quota_exceeded"
	errorTypeStaleResult        string = "stale_result"
	errorTypeEngineNotFound     string = "engine_not_found"
	errorTypeCloudUnavailable   string = "cloud_unavailable"
	errorTypeInternalError      string = "internal_error"
)

func addErrorTypeToMessage(prefix string, details ...string) string {
	detailsStr := strings.Join(details, errorTypeDelimiter)
	return fmt.Sprintf("%s%s%s", prefix, errorTypeDelimiter, detailsStr)
}

func extractErrorInfoFromMessage(msg string) (string, []string, string) {
	msgarr := strings.Split(msg, errorTypeDelimiter)
	if len(msgarr) == 2 {
		return msgarr[0], []string{}, msgarr[1]
	} else if len(msgarr) >= 3 {
		return msgarr[0], msgarr[1 : len(msgarr)-1], msgarr[len(msgarr)-1]
	}
	return errorTypeInternalError, []string{}, ""
}

// ErrorToStatus converts error to grpc status error
func ErrorToStatus(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		// already a status
		return err
	}

	if IsConfigurationError(err) {
		var configErr *ConfigurationError
		if errors.As(err, &configErr) {
			return status.Error(codes.InvalidArgument, addErrorTypeToMessage(errorTypeConfigurationError, configErr.Message, configErr.Error()))
		}
		return status.Error(codes.InvalidArgument, addErrorTypeToMessage(errorTypeConfigurationError, err.Error()))
	} else if IsPoolNotReadyError(err) {
		var notReadyErr *PoolNotReadyError
		if errors.As(err, &notReadyErr) {
			return status.Error(codes.Unavailable, addErrorTypeToMessage(errorTypePoolNotReady, notReadyErr.Engine, notReadyErr.State, notReadyErr.Error()))
		}
		return status.Error(codes.Unavailable, addErrorTypeToMessage(errorTypePoolNotReady, err.Error()))
	} else if IsJobCancelledError(err) {
		var cancelledErr *JobCancelledError
		if errors.As(err, &cancelledErr) {
			return status.Error(codes.Aborted, addErrorTypeToMessage(errorTypeJobCancelled, cancelledErr.JobID, cancelledErr.Error()))
		}
		return status.Error(codes.Aborted, addErrorTypeToMessage(errorTypeJobCancelled, err.Error()))
	} else if IsTransportError(err) {
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return status.Error(codes.Unavailable, addErrorTypeToMessage(errorTypeTransportError, transportErr.WorkerID, transportErr.Message, transportErr.Error()))
		}
		return status.Error(codes.Unavailable, addErrorTypeToMessage(errorTypeTransportError, err.Error()))
	} else if IsQuotaExceededError(err) {
		var quotaErr *QuotaExceededError
		if errors.As(err, &quotaErr) {
			return status.Error(codes.ResourceExhausted, addErrorTypeToMessage(errorTypeQuotaExceeded, quotaErr.Message, quotaErr.Error()))
		}
		return status.Error(codes.ResourceExhausted, addErrorTypeToMessage(errorTypeQuotaExceeded, err.Error()))
	} else if IsStaleResultError(err) {
		var staleErr *StaleResultError
		if errors.As(err, &staleErr) {
			return status.Error(codes.FailedPrecondition, addErrorTypeToMessage(errorTypeStaleResult, staleErr.RequestedFEN, staleErr.CurrentFEN, staleErr.Error()))
		}
		return status.Error(codes.FailedPrecondition, addErrorTypeToMessage(errorTypeStaleResult, err.Error()))
	} else if IsEngineNotFoundError(err) {
		var notFoundErr *EngineNotFoundError
		if errors.As(err, &notFoundErr) {
			return status.Error(codes.NotFound, addErrorTypeToMessage(errorTypeEngineNotFound, notFoundErr.Engine, notFoundErr.Error()))
		}
		return status.Error(codes.NotFound, addErrorTypeToMessage(errorTypeEngineNotFound, err.Error()))
	} else if IsCloudUnavailableError(err) {
		var cloudErr *CloudUnavailableError
		if errors.As(err, &cloudErr) {
			return status.Error(codes.NotFound, addErrorTypeToMessage(errorTypeCloudUnavailable, cloudErr.FEN, cloudErr.Status, cloudErr.Error()))
		}
		return status.Error(codes.NotFound, addErrorTypeToMessage(errorTypeCloudUnavailable, err.Error()))
	} else if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, addErrorTypeToMessage(errorTypeInternalError, err.Error()))
	} else if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, addErrorTypeToMessage(errorTypeInternalError, err.Error()))
	}

	return status.Error(codes.Internal, addErrorTypeToMessage(errorTypeInternalError, err.Error()))
}

// StatusToError converts grpc status error to error
func StatusToError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok || st == nil {
		return err
	}

	errType, errContent, _ := extractErrorInfoFromMessage(st.Message())
	switch errType {
	case errorTypeConfigurationError:
		if len(errContent) > 0 {
			return NewConfigurationError(errContent[0])
		}
		return NewConfigurationError("<unknown>")
	case errorTypePoolNotReady:
		if len(errContent) >= 2 {
			return NewPoolNotReadyError(errContent[0], errContent[1])
		}
		return NewPoolNotReadyError("<unknown>", "<unknown>")
	case errorTypeJobCancelled:
		if len(errContent) > 0 {
			return NewJobCancelledError(errContent[0])
		}
		return NewJobCancelledError("<unknown>")
	case errorTypeTransportError:
		if len(errContent) >= 2 {
			return NewTransportError(errContent[0], errContent[1])
		}
		return NewTransportError("<unknown>", "<unknown>")
	case errorTypeQuotaExceeded:
		if len(errContent) > 0 {
			return NewQuotaExceededError(errContent[0])
		}
		return NewQuotaExceededError("<unknown>")
	case errorTypeStaleResult:
		if len(errContent) >= 2 {
			return NewStaleResultError(errContent[0], errContent[1])
		}
		return NewStaleResultError("<unknown>", "<unknown>")
	case errorTypeEngineNotFound:
		if len(errContent) > 0 {
			return NewEngineNotFoundError(errContent[0])
		}
		return NewEngineNotFoundError("<unknown>")
	case errorTypeCloudUnavailable:
		if len(errContent) >= 2 {
			return NewCloudUnavailableError(errContent[0], errContent[1])
		}
		return NewCloudUnavailableError("<unknown>", "<unknown>")
	case errorTypeInternalError:
		return xerrors.Errorf("%s", st.Message())
	default:
		switch st.Code() {
		case codes.InvalidArgument:
			return NewConfigurationError(st.Message())
		case codes.NotFound:
			return NewEngineNotFoundError("<unknown>")
		default:
			return xerrors.Errorf("%s", st.Message())
		}
	}
}

// IsDisconnectedError returns true if connection is unavailable
func IsDisconnectedError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if ok && st != nil {
		if st.Code() == codes.Unavailable {
			errType, _, _ := extractErrorInfoFromMessage(st.Message())
			return errType != errorTypePoolNotReady && errType != errorTypeTransportError
		}
	}

	return false
}
