package metrics

// Event names emitted by the STT stack.
const (
	EventConnect        = "stt_connect"
	EventConnectError   = "stt_connect_error"
	EventReconnect      = "stt_reconnect"
	EventAudioIn        = "stt_audio_in"
	EventFlush          = "stt_flush"
	EventFlushError     = "stt_flush_error"
	EventInterim        = "stt_interim"
	EventFinal          = "stt_final"
	EventMalformed      = "stt_malformed"
	EventServiceError   = "stt_service_error"
	EventRateLimit      = "stt_rate_limit"
	EventSessionError   = "stt_session_error"
	EventClose          = "stt_close"
	EventBreakerOpen    = "breaker_open"
	EventBreakerClose   = "breaker_close"
	EventBreakerDenied  = "breaker_denied"
	EventSinkPublish    = "sink_publish"
	EventSinkError      = "sink_error"
	EventFirstInterimMs = "stt_first_interim_ms"
	EventFirstFinalMs   = "stt_first_final_ms"
)

// Tag keys shared by emitters and observers.
const (
	TagStreamID = "stream_id"
	TagTraceID  = "trace_id"
	TagProvider = "provider"
	TagReason   = "reason"
)

// Field keys.
const (
	FieldAudioMs = "audio_ms"
	FieldBytes   = "bytes"
	FieldText    = "text"
	FieldError   = "error"
)
