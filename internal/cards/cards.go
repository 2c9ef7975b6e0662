// Package cards implements the structured card side-channel for the web
// adapter. The model embeds a fenced JSON block in its reply text; the block
// is validated against a fixed per-type schema, stripped from the prose, and
// handed to the web client for rendering.
package cards

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	. "github.com/halcyonsites/frontdesk/internal/logging"
)

// Type discriminates card schemas. The set is closed; unknown types are
// rejected at parse time.
type Type string

const (
	TypeBookingForm  Type = "booking_form"
	TypeConfirmation Type = "confirmation"
	TypeHoursTable   Type = "hours_table"
)

// Card is a validated card extracted from a reply.
type Card struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// cardFence matches a fenced block tagged "card". The block must be the
// whole fence; JSON embedded in ordinary code fences is left alone.
var cardFence = regexp.MustCompile("(?s)```card\\s*\\n(.*?)\\n?```")

// Per-type payload schemas. The envelope (id, type) is checked separately so
// schema errors report against the payload the model actually controls.
var schemas = map[Type]string{
	TypeBookingForm: `{
		"type": "object",
		"required": ["id", "type", "service", "slots"],
		"additionalProperties": false,
		"properties": {
			"id": {"type": "string"},
			"type": {"const": "booking_form"},
			"service": {"type": "string", "minLength": 1},
			"slots": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["start", "label"],
					"additionalProperties": false,
					"properties": {
						"start": {"type": "string"},
						"label": {"type": "string", "minLength": 1}
					}
				}
			},
			"note": {"type": "string"}
		}
	}`,
	TypeConfirmation: `{
		"type": "object",
		"required": ["id", "type", "summary"],
		"additionalProperties": false,
		"properties": {
			"id": {"type": "string"},
			"type": {"const": "confirmation"},
			"summary": {"type": "string", "minLength": 1},
			"reference": {"type": "string"}
		}
	}`,
	TypeHoursTable: `{
		"type": "object",
		"required": ["id", "type", "rows"],
		"additionalProperties": false,
		"properties": {
			"id": {"type": "string"},
			"type": {"const": "hours_table"},
			"rows": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["day", "hours"],
					"additionalProperties": false,
					"properties": {
						"day": {"type": "string", "minLength": 1},
						"hours": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}`,
}

var compiled map[Type]*gojsonschema.Schema

func init() {
	compiled = make(map[Type]*gojsonschema.Schema, len(schemas))
	for t, raw := range schemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("cards: bad schema for %s: %v", t, err))
		}
		compiled[t] = s
	}
}

// Extract parses the first card block out of a reply and returns the prose
// with every card fence removed. An invalid card is dropped with a warning;
// the prose is always returned so the customer still gets the text. At most
// one card is honored per reply, extras are stripped and discarded.
func Extract(reply string) (string, *Card) {
	matches := cardFence.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		return reply, nil
	}

	plain := strings.TrimSpace(cardFence.ReplaceAllString(reply, ""))
	if len(matches) > 1 {
		L_warn("cards: reply contained multiple card blocks, honoring the first", "blocks", len(matches))
	}

	card, err := parse(matches[0][1])
	if err != nil {
		L_warn("cards: dropping invalid card block", "error", err)
		return plain, nil
	}
	return plain, card
}

func parse(raw string) (*Card, error) {
	var envelope struct {
		ID   string `json:"id"`
		Type Type   `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("card block is not valid JSON: %w", err)
	}

	schema, ok := compiled[envelope.Type]
	if !ok {
		return nil, fmt.Errorf("unknown card type %q", envelope.Type)
	}
	if _, err := uuid.Parse(envelope.ID); err != nil {
		return nil, fmt.Errorf("card id %q is not a valid uuid", envelope.ID)
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("card validation failed: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("card does not match %s schema: %s", envelope.Type, strings.Join(details, "; "))
	}

	return &Card{
		ID:      envelope.ID,
		Type:    envelope.Type,
		Payload: json.RawMessage(raw),
	}, nil
}
