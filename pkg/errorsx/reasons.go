package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConfig      ReasonCode = "stt_config"
	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTClosed      ReasonCode = "stt_closed"
	ReasonSTTRetry       ReasonCode = "stt_retry"
	ReasonSTTProtocol    ReasonCode = "stt_protocol"
	ReasonSTTService     ReasonCode = "stt_service"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonSinkPublish ReasonCode = "sink_publish"
)
