package observability

// Semantic conventions for observability attributes.
// These constants define standard attribute names to ensure consistency
// across the checkpoint components.

// --- Session Attributes ---

const (
	AttrSessionID     = "session.id"
	AttrUserID        = "session.user_id"
	AttrSnapshotSeq   = "checkpoint.sequence"
	AttrMessagesCount = "checkpoint.messages_count"
	AttrMessageRole   = "message.role"
	AttrMessageLength = "message.length"
	AttrBackend       = "backend.name"
	AttrBackendKind   = "backend.kind"
	AttrOperation     = "operation"
)

// --- Model / Usage Attributes ---

const (
	// AttrModelName is the model identifier (e.g., "gpt-4o-mini")
	AttrModelName = "llm.model"

	AttrTokensInput  = "llm.tokens.input"  // #nosec G101 -- Not a credential, token refers to LLM tokens
	AttrTokensOutput = "llm.tokens.output" // #nosec G101 -- Not a credential, token refers to LLM tokens
	AttrCostUSD      = "usage.cost_usd"
	AttrTokenSource  = "usage.token_source" // "reported" or "estimated"
)

// --- Generic Attributes ---

const (
	AttrError             = "error"
	AttrStatus            = "status"
	AttrStatusDescription = "status.description"
	AttrDuration          = "duration"
	AttrHTTPMethod        = "http.method"
	AttrHTTPURL           = "http.url"
	AttrHTTPStatusCode    = "http.status_code"
)

// --- Span Names ---

const (
	SpanTurn          = "runner.turn"
	SpanModelGenerate = "runner.model.generate"
	SpanCheckpointPut = "checkpoint.put"
)

// --- Event Names ---

const (
	EventUserMessage      = "turn.user_message"
	EventModelResponded   = "turn.model_responded"
	EventSnapshotWritten  = "turn.snapshot_written"
	EventHistoryAppend    = "history.append"
	EventAdvisoryDropped  = "turn.advisory_dropped"
	EventBackendFallback  = "backend.fallback"
	EventSessionLockWait  = "turn.lock_wait"
	EventHTTPRequestStart = "http.request.start"
)

// --- Metric Names ---

const (
	MetricTurnCount        = "runner.turns"
	MetricModelDuration    = "runner.model.duration"
	MetricAdvisoryFailures = "runner.advisory.failures"
	MetricUsageCost        = "ledger.cost_usd"
)
