// Package reason defines the canonical set of decision reason codes used
// across the gate pipeline (Decision A, Meta, B0/B1/B2) and the safety
// state machine. Every gate failure carries a stable Code plus a
// free-text Message, and callers must never branch on the Message.
package reason

// Code is a stable, comparable gate-failure or state-transition identifier.
type Code string

const (
	None Code = ""

	// Decision A gate sequence.
	AStaleMarket     Code = "A_STALE_MARKET"
	ANotReadyBar1h   Code = "A_NOT_READY_BAR1H"
	AStaleBar1h      Code = "A_STALE_BAR1H"
	ANotReadyLrcA    Code = "A_NOT_READY_LRC_A"
	AStaleLrcA       Code = "A_STALE_LRC_A"
	AInvalidC        Code = "A_INVALID_C"
	AInvalidRange    Code = "A_INVALID_RANGE"
	ARangeTooNarrow  Code = "A_RANGE_TOO_NARROW"
	AOK              Code = "A_OK"
	WarmupInProgress Code = "warmup_in_progress"

	// Meta / context gates.
	MetaToxicFlow       Code = "META_TOXIC_FLOW"
	GateStartup         Code = "B2_STARTUP_GUARD"
	GateFlowHostile     Code = "B2_FLOW_HOSTILE"
	GateFundingHostile  Code = "B2_FUNDING_HOSTILE"
	GatePremiumHostile  Code = "B2_PREMIUM_HOSTILE"
	GateImpactSpread    Code = "B2_IMPACT_SPREAD"
	GateOIPriceTrap     Code = "B2_OI_PRICE_TRAP"
	GateFeeEdge         Code = "B2_FEE_EDGE"
	GateExecutionQuality Code = "B2_EXECUTION_QUALITY"

	// B0/B1/B2 structural gates.
	B1OverlapTooThin  Code = "B1_OVERLAP_TOO_THIN"
	B2NoSnapshot      Code = "B2_NO_SNAPSHOT"
	B2SRClusterThin   Code = "B2_SR_CLUSTER_THIN"
	B2SRReferenceGuard Code = "B2_SR_REFERENCE_GUARD"
	B2NoDirectionalIntent Code = "B2_NO_DIRECTIONAL_INTENT"
	B2OK              Code = "B2_OK"

	// Safety.
	SafetyDataStale        Code = "DATA_STALE"
	SafetyHardSLStreak     Code = "AUTO_HALT_HARD_SL_STREAK"
	SafetyNetPerTrade      Code = "AUTO_HALT_NET_PER_TRADE"
	SafetyActive           Code = "ACTIVE"
	SafetyWarmup           Code = "WARMUP"
	SafetyNormal           Code = "NORMAL"
)

// Diagnostic pairs a stable Code with a human-readable message. Logic must
// only ever switch on Code; Message is for logs and the dashboard only.
type Diagnostic struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// New builds a Diagnostic. Convenience constructor so call sites read as
// one expression instead of a struct literal.
func New(code Code, message string) Diagnostic {
	return Diagnostic{Code: code, Message: message}
}

// Empty reports whether the diagnostic carries no reason (gate passed).
func (d Diagnostic) Empty() bool {
	return d.Code == None
}
