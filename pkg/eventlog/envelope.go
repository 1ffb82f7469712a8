package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
)

// envelopeSchema rejects malformed event envelopes at ingestion, before
// any contract id decoding or index work happens.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["synchronizer", "request_counter", "contract_id", "kind", "at"],
	"properties": {
		"synchronizer": {"type": "string", "minLength": 1},
		"request_counter": {"type": "integer", "minimum": 1},
		"contract_id": {"type": "string", "pattern": "^[0-9a-f]+$"},
		"kind": {"enum": ["CREATE", "ARCHIVE", "UNASSIGN", "ASSIGN"]},
		"at": {"type": "integer", "minimum": 0},
		"target": {"type": "string"},
		"source": {"type": "string"}
	},
	"additionalProperties": false
}`

var compiledEnvelopeSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("envelope.json")
}()

// Envelope is the wire form of an event as submitted to the participant.
type Envelope struct {
	Synchronizer   string `json:"synchronizer"`
	RequestCounter uint64 `json:"request_counter"`
	ContractID     string `json:"contract_id"`
	Kind           string `json:"kind"`
	At             int64  `json:"at"`
	Target         string `json:"target,omitempty"`
	Source         string `json:"source,omitempty"`
}

// ParseEnvelope validates raw JSON against the envelope schema and
// decodes it into an Event. Schema violations and undecodable contract
// ids are Encoding errors: fatal for the record, rejected at ingestion.
func ParseEnvelope(raw []byte) (Event, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return Event{}, fmt.Errorf("%w: %v", contractid.ErrMalformed, err)
	}
	if err := compiledEnvelopeSchema.Validate(generic); err != nil {
		return Event{}, fmt.Errorf("%w: %v", contractid.ErrMalformed, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", contractid.ErrMalformed, err)
	}
	cid, err := contractid.DecodeString(env.ContractID)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Synchronizer:   acs.SynchronizerID(env.Synchronizer),
		RequestCounter: env.RequestCounter,
		ContractID:     cid,
		Kind:           Kind(env.Kind),
		At:             acs.LogicalTime(env.At),
		Target:         acs.SynchronizerID(env.Target),
		Source:         acs.SynchronizerID(env.Source),
	}, nil
}
