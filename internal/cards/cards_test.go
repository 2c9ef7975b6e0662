package cards

import (
	"fmt"
	"strings"
	"testing"
)

const validBooking = `{
	"id": "7f3c2f1a-9d40-4b7e-8f1e-2a6b3c4d5e6f",
	"type": "booking_form",
	"service": "haircut",
	"slots": [
		{"start": "2026-09-01T14:00:00Z", "label": "Tue 2pm"},
		{"start": "2026-09-01T15:00:00Z", "label": "Tue 3pm"}
	]
}`

func fence(body string) string {
	return "```card\n" + body + "\n```"
}

func TestExtractValidCard(t *testing.T) {
	reply := "Here are some openings:\n" + fence(validBooking) + "\nPick one and I'll book it."
	plain, card := Extract(reply)

	if card == nil {
		t.Fatal("expected a card")
	}
	if card.Type != TypeBookingForm {
		t.Errorf("wrong type: %s", card.Type)
	}
	if card.ID != "7f3c2f1a-9d40-4b7e-8f1e-2a6b3c4d5e6f" {
		t.Errorf("wrong id: %s", card.ID)
	}
	if strings.Contains(plain, "```") {
		t.Errorf("fence not stripped from prose: %q", plain)
	}
	if !strings.Contains(plain, "Here are some openings:") || !strings.Contains(plain, "Pick one") {
		t.Errorf("surrounding prose lost: %q", plain)
	}
}

func TestExtractNoCard(t *testing.T) {
	plain, card := Extract("We're open 9 to 5.")
	if card != nil {
		t.Errorf("unexpected card: %+v", card)
	}
	if plain != "We're open 9 to 5." {
		t.Errorf("prose mangled: %q", plain)
	}
}

func TestExtractIgnoresOrdinaryCodeFence(t *testing.T) {
	reply := "Example:\n```json\n{\"x\": 1}\n```"
	plain, card := Extract(reply)
	if card != nil {
		t.Errorf("ordinary code fence parsed as card")
	}
	if plain != reply {
		t.Errorf("non-card fence altered: %q", plain)
	}
}

func TestExtractDropsInvalidCard(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"id": "x",`},
		{"unknown type", `{"id": "7f3c2f1a-9d40-4b7e-8f1e-2a6b3c4d5e6f", "type": "marquee"}`},
		{"bad uuid", `{"id": "booking-1", "type": "confirmation", "summary": "done"}`},
		{"missing required field", `{"id": "7f3c2f1a-9d40-4b7e-8f1e-2a6b3c4d5e6f", "type": "booking_form", "service": "haircut"}`},
		{"extra field", `{"id": "7f3c2f1a-9d40-4b7e-8f1e-2a6b3c4d5e6f", "type": "confirmation", "summary": "done", "debug": true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plain, card := Extract("Before " + fence(tc.body) + " after")
			if card != nil {
				t.Errorf("invalid card accepted: %+v", card)
			}
			if strings.Contains(plain, "```") {
				t.Errorf("invalid block left in prose: %q", plain)
			}
			if !strings.Contains(plain, "Before") {
				t.Errorf("prose lost: %q", plain)
			}
		})
	}
}

func TestExtractHonorsOnlyFirstCard(t *testing.T) {
	second := strings.Replace(validBooking, "haircut", "massage", 1)
	reply := fmt.Sprintf("a\n%s\nb\n%s\nc", fence(validBooking), fence(second))

	plain, card := Extract(reply)
	if card == nil {
		t.Fatal("expected a card")
	}
	if !strings.Contains(string(card.Payload), "haircut") {
		t.Errorf("did not keep the first card: %s", card.Payload)
	}
	if strings.Contains(plain, "```") {
		t.Errorf("second block left in prose: %q", plain)
	}
}
