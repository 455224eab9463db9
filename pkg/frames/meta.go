package frames

// Well-known metadata keys.
const (
	MetaStreamID   = "stream_id"
	MetaCallSID    = "call_sid"
	MetaTraceID    = "trace_id"
	MetaSource     = "source"
	MetaReason     = "reason"
	MetaIsFinal    = "is_final"
	MetaLanguage   = "language"
	MetaSpeaker    = "speaker"
	MetaProvider   = "provider"
	MetaEncoding   = "encoding"
	MetaReasonCode = "reason_code"
	MetaNormalized = "normalized"
)

// System frame names understood by the STT processor.
const (
	SystemCallEnd   = "call_end"
	SystemHeartbeat = "heartbeat"
)
