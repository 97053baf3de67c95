package pdo

const (
	// Version is the record format identifier stamped on every PDO.
	Version       = "1.0"
	HashAlgorithm = "sha256"
)

type Outcome string

const (
	OutcomeApproved  Outcome = "APPROVED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomePending   Outcome = "PENDING"
	OutcomeEscalated Outcome = "ESCALATED"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApproved, OutcomeRejected, OutcomePending, OutcomeEscalated:
		return true
	default:
		return false
	}
}

// Terminal reports whether the outcome is a final decision.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeApproved, OutcomeRejected:
		return true
	default:
		return false
	}
}

type SourceSystem string

const (
	SourceOCC          SourceSystem = "OCC"
	SourceGateway      SourceSystem = "GATEWAY"
	SourceChainPay     SourceSystem = "CHAINPAY"
	SourceChainIQ      SourceSystem = "CHAINIQ"
	SourceChainFreight SourceSystem = "CHAINFREIGHT"
	SourceManual       SourceSystem = "MANUAL"
)

func (s SourceSystem) Valid() bool {
	switch s {
	case SourceOCC, SourceGateway, SourceChainPay, SourceChainIQ, SourceChainFreight, SourceManual:
		return true
	default:
		return false
	}
}

type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
	ActorAgent  ActorType = "agent"
	ActorModel  ActorType = "model"
)

func (a ActorType) Valid() bool {
	switch a {
	case ActorHuman, ActorSystem, ActorAgent, ActorModel:
		return true
	default:
		return false
	}
}

// Fields is the caller-supplied content of a new PDO. The store assigns
// recorded_at; PDOID is generated when empty.
type Fields struct {
	PDOID         string
	InputRefs     []string
	DecisionRef   string
	OutcomeRef    string
	Outcome       Outcome
	SourceSystem  SourceSystem
	Actor         string
	ActorType     ActorType
	PreviousPDOID string
	CorrelationID string
	Metadata      map[string]string
	Tags          []string
}
