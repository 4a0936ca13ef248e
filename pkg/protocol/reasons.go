// Package protocol defines the stable machine-readable surface of the
// runtime: reason codes, record types, and payload schema identifiers.
// Every policy, delivery, and cycle outcome carries one of these strings;
// they are part of the on-disk format and must never be renamed.
package protocol

// Channel-policy reason codes.
const (
	AllowChannelPolicyAllowFromAny     = "allow_channel_policy_allow_from_any"
	AllowChannelPolicyDM               = "allow_channel_policy_dm"
	AllowChannelPolicyGroup            = "allow_channel_policy_group"
	DenyChannelPolicyDM                = "deny_channel_policy_dm"
	DenyChannelPolicyGroup             = "deny_channel_policy_group"
	DenyChannelPolicyMentionRequired   = "deny_channel_policy_mention_required"
	DenyChannelPolicyAllowlistOnly     = "deny_channel_policy_allow_from_allowlist_only"
)

// Pairing/allowlist reason codes.
const (
	AllowAllowlist                 = "allow_allowlist"
	AllowPairing                   = "allow_pairing"
	AllowAllowlistAndPairing       = "allow_allowlist_and_pairing"
	DenyActorNotPairedOrAllowlisted = "deny_actor_not_paired_or_allowlisted"
	DenyActorIDMissing             = "deny_actor_id_missing"
	DenyPolicyEvaluationError      = "deny_policy_evaluation_error"
)

// RBAC reason codes.
const (
	AllowRBAC       = "allow_rbac"
	DenyRBAC        = "deny_rbac"
	RBACPolicyError = "rbac_policy_error"
)

// Command reason codes.
const (
	CommandOK          = "command_ok"
	CommandUnknown     = "command_unknown"
	CommandInvalidArgs = "command_invalid_args"
	CommandRBACDenied  = "command_rbac_denied"
)

// Delivery reason codes.
const (
	DeliveryOK                  = "delivery_ok"
	DeliveryDryRun              = "delivery_dry_run"
	DeliveryProviderRejected    = "delivery_provider_rejected"
	DeliveryProviderUnavailable = "delivery_provider_unavailable"
	DeliveryRetryExhausted      = "delivery_retry_exhausted"
)

// Run and cycle reason codes.
const (
	RunAlreadyActive       = "run_already_active"
	RunCancelled           = "run_cancelled"
	EventProcessingFailed  = "event_processing_failed"
	QueueBackpressure      = "queue_backpressure_applied"
	RouteBindingsLoadError = "route_bindings_load_error"
	IngressTransportMismatch = "ingress_transport_mismatch"
)

// Record type and payload schema identifiers.
const (
	RecordRouteTrace        = "multi_channel_route_trace_v1"
	SchemaTauCommand        = "multi_channel_tau_command_v1"
	SchemaTelemetryLifecycle = "multi_channel_telemetry_lifecycle_v1"
	SchemaUsageSummary      = "multi_channel_usage_summary_v1"
)

// Telemetry lifecycle signal names, emitted in order around a long reply.
const (
	SignalTypingStarted  = "typing_started"
	SignalPresenceActive = "presence_active"
	SignalTypingStopped  = "typing_stopped"
	SignalPresenceIdle   = "presence_idle"
)

// Outbound log entry statuses.
const (
	OutboundStatusSent     = "sent"
	OutboundStatusDryRun   = "dry_run"
	OutboundStatusDenied   = "denied"
	OutboundStatusFailed   = "delivery_failed"
	OutboundStatusRejected = "rejected"
)
