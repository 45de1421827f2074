package grid

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// wire form of a mutation, `{"id": 42, "field": "col5", "value": "X"}`
// pointers distinguish a missing field from a zero value
type mutationFrame struct {
	Id    *int64  `json:"id"`
	Field *string `json:"field"`
	Value Value   `json:"value"`
}

func EncodeMutation(event *MutationEvent) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return sonic.Marshal(&mutationFrame{
		Id:    &event.Id,
		Field: &event.Field,
		Value: event.Value,
	})
}

func DecodeMutation(b []byte) (*MutationEvent, error) {
	var frame mutationFrame
	if err := sonic.Unmarshal(b, &frame); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMutation, err)
	}
	if frame.Id == nil || frame.Field == nil {
		return nil, fmt.Errorf("%w: missing id or field", ErrMalformedMutation)
	}
	event := &MutationEvent{
		Id:    *frame.Id,
		Field: *frame.Field,
		Value: normalizeValue(frame.Value),
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// a mutation as carried between relay processes
type relayEnvelope struct {
	RelayId Id             `json:"relayId"`
	PeerId  Id             `json:"peerId"`
	Event   *MutationEvent `json:"event"`
}

func encodeEnvelope(envelope *relayEnvelope) ([]byte, error) {
	if envelope.Event == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformedMutation)
	}
	if err := envelope.Event.Validate(); err != nil {
		return nil, err
	}
	return sonic.Marshal(envelope)
}

func decodeEnvelope(b []byte) (*relayEnvelope, error) {
	envelope := &relayEnvelope{}
	if err := sonic.Unmarshal(b, envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMutation, err)
	}
	if envelope.Event == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformedMutation)
	}
	envelope.Event.Value = normalizeValue(envelope.Event.Value)
	if err := envelope.Event.Validate(); err != nil {
		return nil, err
	}
	return envelope, nil
}
