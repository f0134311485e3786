package signal

import (
	"encoding/json"
	"fmt"

	"livecast/native/internal/domain"
)

// Encode marshals a message for the relay.
func Encode(msg domain.Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return data, nil
}

// Decode unmarshals and validates a relay payload.
func Decode(data []byte) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return domain.Message{}, fmt.Errorf("decode: %w", err)
	}
	return msg, nil
}
