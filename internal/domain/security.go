package domain

// SecurityAction is the admission decision for an inbound message.
type SecurityAction string

const (
	ActionAllow      SecurityAction = "allow"
	ActionWarn       SecurityAction = "warn"
	ActionQuarantine SecurityAction = "quarantine"
	ActionBlock      SecurityAction = "block"
)

// ThreatLevel classifies how dangerous a message looks.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// SecurityResult is the outcome of admission control. Immutable once produced.
type SecurityResult struct {
	Allowed       bool
	Action        SecurityAction
	Threat        ThreatLevel
	RiskScore     float64 // 0..1
	Violations    []string
	RateRemaining int // requests left in the current window
	TrustScore    float64
	Reason        string
}
