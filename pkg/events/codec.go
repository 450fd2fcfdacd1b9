package events

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared struct validator. Payload tags (required bounds,
// tenant ne=default, oneof enums) are enforced on both directions of the
// codec, so an invalid envelope never leaves the publisher and never
// reaches a handler.
var validate = validator.New(validator.WithRequiredStructEnabled())

type normalizable interface {
	normalize()
}

// Marshal validates v and encodes it as the UTF-8 JSON carried in the
// log message's data field.
func Marshal(v Event) ([]byte, error) {
	if err := validate.Struct(v); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", v.Topic(), err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", v.Topic(), err)
	}
	return data, nil
}

// Unmarshal decodes data into v, fills envelope defaults (a missing trace
// ID is generated rather than rejected), and validates the result.
func Unmarshal(data []byte, v Event) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s event: %w", v.Topic(), err)
	}
	if n, ok := v.(normalizable); ok {
		n.normalize()
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s event: %w", v.Topic(), err)
	}
	return nil
}

// ValidateResult checks a vision model output against the strict result
// schema (description length, list bounds, score ranges).
func ValidateResult(r *VisionResult) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid vision result: %w", err)
	}
	return nil
}
