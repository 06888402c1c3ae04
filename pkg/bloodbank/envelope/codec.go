package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ContentType is the MIME type of a serialized envelope.
const ContentType = "application/json"

// Marshal serializes an envelope to its UTF-8 JSON wire form.
// correlation_ids is always written as an array.
func Marshal(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("envelope: marshal nil envelope")
	}
	out := *e
	if out.CorrelationIDs == nil {
		out.CorrelationIDs = []uuid.UUID{}
	}
	out.Timestamp = out.Timestamp.UTC()

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: marshal: %w", e.EventID, err)
	}
	return data, nil
}

// Unmarshal parses the wire form produced by Marshal. A missing or null
// correlation_ids field decodes to an empty slice.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	if e.CorrelationIDs == nil {
		e.CorrelationIDs = []uuid.UUID{}
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}
