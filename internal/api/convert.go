package api

import (
	"bytes"
	"encoding/json"

	"github.com/BIGmindz/ChainBridge-sub012/internal/envelope"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdo"
	"github.com/BIGmindz/ChainBridge-sub012/pkg/types"
)

// decodeEnvelope returns nil for an absent envelope and a zero envelope for
// one that does not decode, so the gate refuses both with its own codes.
func decodeEnvelope(raw json.RawMessage) *envelope.Envelope {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	env, err := envelope.Decode(trimmed)
	if err != nil {
		return &envelope.Envelope{}
	}
	return &env
}

func fieldsFromWire(in types.PDOFields) pdo.Fields {
	return pdo.Fields{
		PDOID:         in.PDOID,
		InputRefs:     in.InputRefs,
		DecisionRef:   in.DecisionRef,
		OutcomeRef:    in.OutcomeRef,
		Outcome:       pdo.Outcome(in.Outcome),
		SourceSystem:  pdo.SourceSystem(in.SourceSystem),
		Actor:         in.Actor,
		ActorType:     pdo.ActorType(in.ActorType),
		PreviousPDOID: in.PreviousPDOID,
		CorrelationID: in.CorrelationID,
		Metadata:      in.Metadata,
		Tags:          in.Tags,
	}
}
