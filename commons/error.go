package commons

import (
	"errors"
	"fmt"
)

// ConfigurationError contains configuration error information
type ConfigurationError struct {
	Message string
}

// NewConfigurationError creates an error for invalid configuration or option value
func NewConfigurationError(message string) error {
	return &ConfigurationError{
		Message: message,
	}
}

// NewConfigurationErrorf creates an error for invalid configuration or option value
func NewConfigurationErrorf(format string, v ...interface{}) error {
	return &ConfigurationError{
		Message: fmt.Sprintf(format, v...),
	}
}

// Error returns error message
func (err *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", err.Message)
}

// Is tests type of error
func (err *ConfigurationError) Is(other error) bool {
	_, ok := other.(*ConfigurationError)
	return ok
}

// ToString stringifies the object
func (err *ConfigurationError) ToString() string {
	return "<ConfigurationError>"
}

// IsConfigurationError evaluates if the given error is configuration error
func IsConfigurationError(err error) bool {
	return errors.Is(err, &ConfigurationError{})
}

// PoolNotReadyError contains pool not ready error information
type PoolNotReadyError struct {
	Engine string
	State  string
}

// NewPoolNotReadyError creates an error for an operation attempted while the pool is not ready
func NewPoolNotReadyError(engine string, state string) error {
	return &PoolNotReadyError{
		Engine: engine,
		State:  state,
	}
}

// Error returns error message
func (err *PoolNotReadyError) Error() string {
	return fmt.Sprintf("engine pool %q is not ready (state %s)", err.Engine, err.State)
}

// Is tests type of error
func (err *PoolNotReadyError) Is(other error) bool {
	_, ok := other.(*PoolNotReadyError)
	return ok
}

// ToString stringifies the object
func (err *PoolNotReadyError) ToString() string {
	return "<PoolNotReadyError>"
}

// IsPoolNotReadyError evaluates if the given error is pool not ready error
func IsPoolNotReadyError(err error) bool {
	return errors.Is(err, &PoolNotReadyError{})
}

// JobCancelledError contains job cancelled error information
type JobCancelledError struct {
	JobID string
}

// NewJobCancelledError creates an error for a queued job abandoned before dispatch
func NewJobCancelledError(jobID string) error {
	return &JobCancelledError{
		JobID: jobID,
	}
}

// Error returns error message
func (err *JobCancelledError) Error() string {
	return fmt.Sprintf("job %q cancelled before dispatch", err.JobID)
}

// Is tests type of error
func (err *JobCancelledError) Is(other error) bool {
	_, ok := other.(*JobCancelledError)
	return ok
}

// ToString stringifies the object
func (err *JobCancelledError) ToString() string {
	return "<JobCancelledError>"
}

// IsJobCancelledError evaluates if the given error is job cancelled error
func IsJobCancelledError(err error) bool {
	return errors.Is(err, &JobCancelledError{})
}

// TransportError contains worker transport error information
type TransportError struct {
	WorkerID string
	Message  string
}

// NewTransportError creates an error for a worker whose process failed mid-job
func NewTransportError(workerID string, message string) error {
	return &TransportError{
		WorkerID: workerID,
		Message:  message,
	}
}

// Error returns error message
func (err *TransportError) Error() string {
	return fmt.Sprintf("worker %q transport error: %s", err.WorkerID, err.Message)
}

// Is tests type of error
func (err *TransportError) Is(other error) bool {
	_, ok := other.(*TransportError)
	return ok
}

// ToString stringifies the object
func (err *TransportError) ToString() string {
	return "<TransportError>"
}

// IsTransportError evaluates if the given error is transport error
func IsTransportError(err error) bool {
	return errors.Is(err, &TransportError{})
}

// QuotaExceededError contains storage quota error information
type QuotaExceededError struct {
	Message string
}

// NewQuotaExceededError creates an error for a durable write rejected by a full store
func NewQuotaExceededError(message string) error {
	return &QuotaExceededError{
		Message: message,
	}
}

// Error returns error message
func (err *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %s", err.Message)
}

// Is tests type of error
func (err *QuotaExceededError) Is(other error) bool {
	_, ok := other.(*QuotaExceededError)
	return ok
}

// ToString stringifies the object
func (err *QuotaExceededError) ToString() string {
	return "<QuotaExceededError>"
}

// IsQuotaExceededError evaluates if the given error is quota exceeded error
func IsQuotaExceededError(err error) bool {
	return errors.Is(err, &QuotaExceededError{})
}

// StaleResultError contains stale result error information
type StaleResultError struct {
	RequestedFEN string
	CurrentFEN   string
}

// NewStaleResultError creates an error for a result whose position the caller has left
func NewStaleResultError(requestedFEN string, currentFEN string) error {
	return &StaleResultError{
		RequestedFEN: requestedFEN,
		CurrentFEN:   currentFEN,
	}
}

// Error returns error message
func (err *StaleResultError) Error() string {
	return fmt.Sprintf("evaluation of %q is stale, caller is at %q", err.RequestedFEN, err.CurrentFEN)
}

// Is tests type of error
func (err *StaleResultError) Is(other error) bool {
	_, ok := other.(*StaleResultError)
	return ok
}

// ToString stringifies the object
func (err *StaleResultError) ToString() string {
	return "<StaleResultError>"
}

// IsStaleResultError evaluates if the given error is stale result error
func IsStaleResultError(err error) bool {
	return errors.Is(err, &StaleResultError{})
}

// EngineNotFoundError contains engine not found error information
type EngineNotFoundError struct {
	Engine string
}

// NewEngineNotFoundError creates an error for an unknown engine identity
func NewEngineNotFoundError(engine string) error {
	return &EngineNotFoundError{
		Engine: engine,
	}
}

// Error returns error message
func (err *EngineNotFoundError) Error() string {
	return fmt.Sprintf("engine %q not found", err.Engine)
}

// Is tests type of error
func (err *EngineNotFoundError) Is(other error) bool {
	_, ok := other.(*EngineNotFoundError)
	return ok
}

// ToString stringifies the object
func (err *EngineNotFoundError) ToString() string {
	return "<EngineNotFoundError>"
}

// IsEngineNotFoundError evaluates if the given error is engine not found error
func IsEngineNotFoundError(err error) bool {
	return errors.Is(err, &EngineNotFoundError{})
}

// CloudUnavailableError contains cloud lookup error information
type CloudUnavailableError struct {
	FEN    string
	Status string
}

// NewCloudUnavailableError creates an error for a position the cloud service has no data for
func NewCloudUnavailableError(fen string, status string) error {
	return &CloudUnavailableError{
		FEN:    fen,
		Status: status,
	}
}

// Error returns error message
func (err *CloudUnavailableError) Error() string {
	return fmt.Sprintf("cloud evaluation of %q is not available (status %s)", err.FEN, err.Status)
}

// Is tests type of error
func (err *CloudUnavailableError) Is(other error) bool {
	_, ok := other.(*CloudUnavailableError)
	return ok
}

// ToString stringifies the object
func (err *CloudUnavailableError) ToString() string {
	return "<CloudUnavailableError>"
}

// IsCloudUnavailableError evaluates if the given error is cloud unavailable error
func IsCloudUnavailableError(err error) bool {
	return errors.Is(err, &CloudUnavailableError{})
}
