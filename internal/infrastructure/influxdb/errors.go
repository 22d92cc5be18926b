package influxdb

import "errors"

// Connect returns ErrDisabled or ErrConnectionFailed; main treats the first
// as "telemetry off" and the second as fatal.
var (
	ErrDisabled         = errors.New("influxdb: telemetry disabled")
	ErrConnectionFailed = errors.New("influxdb: cannot reach server")
)

// HealthCheck returns ErrNotConnected after Close and ErrUnhealthy when
// the ping fails or the server reports itself unhealthy.
var (
	ErrNotConnected = errors.New("influxdb: client closed")
	ErrUnhealthy    = errors.New("influxdb: server unhealthy")
)

// ErrWriteFailed wraps batch write failures handed to the SetOnError
// callback. Writes themselves never return an error.
var ErrWriteFailed = errors.New("influxdb: batch write failed")
