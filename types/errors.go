package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
)

var (
	ErrResolutionFailed   = errors.New("resolution failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrCallTimeout        = errors.New("call timeout")
	ErrResourceNotFound   = errors.New("resource not found")
	ErrResolverIsNil      = errors.New("resolver is nil")
	ErrFallbackIsNil      = errors.New("fallback is nil")
	ErrFactoryIsNil       = errors.New("resource factory is nil")
	ErrResourceKeyEmpty   = errors.New("resource key empty")
	ErrProxyNameEmpty     = errors.New("proxy name empty")
	ErrUnexpectedType     = errors.New("unexpected resource type")
	ErrConnectionClosed   = errors.New("connection closed")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
	ErrHealthIsNotRunning = errors.New("health manager is not running")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsRunning     = errors.New("service is running")
	ErrComponentStartFailed = errors.New("component start failed")
	ErrComponentStopFailed  = errors.New("component stop failed")
	ErrInvalidParameter     = errors.New("invalid parameter")
)

// ResolutionError reports that every resolver of a provider chain failed.
// Attempts keeps the causes in resolver order.
type ResolutionError struct {
	Key      string
	Attempts []error
}

func (e *ResolutionError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("resolve %q: no resolvers configured", e.Key)
	}

	causes := make([]string, 0, len(e.Attempts))
	for i, attempt := range e.Attempts {
		causes = append(causes, fmt.Sprintf("#%d: %v", i+1, attempt))
	}

	return fmt.Sprintf("resolve %q: all %d attempts failed: %s", e.Key, len(e.Attempts), strings.Join(causes, "; "))
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolutionFailed
}

func (e *ResolutionError) Unwrap() []error {
	return e.Attempts
}

// CircuitOpenError is returned when a breaker rejects a call without running it.
type CircuitOpenError struct {
	Resource   string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %q, retry after %s", e.Resource, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitBreakerOpen
}

// TimeoutError is returned when a guarded call exceeds its call timeout.
type TimeoutError struct {
	Resource string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %q timed out after %s", e.Resource, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrCallTimeout
}

type ResourceNotFoundError struct {
	Key string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource %q not found", e.Key)
}

func (e *ResourceNotFoundError) Is(target error) bool {
	return target == ErrResourceNotFound
}

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
