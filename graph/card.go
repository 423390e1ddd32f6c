package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ReasonCard is a structured record of a node's decision, published for
// audit and UI transparency.
type ReasonCard struct {
	Agent                  string         `json:"agent"`
	Node                   string         `json:"node"`
	Trigger                string         `json:"trigger,omitempty"`
	Reasoning              string         `json:"reasoning"`
	Decision               string         `json:"decision"`
	Confidence             float64        `json:"confidence"`
	Inputs                 map[string]any `json:"inputs,omitempty"`
	Outputs                map[string]any `json:"outputs,omitempty"`
	AlternativesConsidered []string       `json:"alternatives_considered,omitempty"`
	Category               string         `json:"category,omitempty"`
	Priority               string         `json:"priority,omitempty"`
}

// dedupKey identifies a card by (agent, node, trigger, inputs hash,
// outputs hash, confidence). A retried step re-emitting identical rationale
// collapses to one published card.
func (c ReasonCard) dedupKey() string {
	h := sha256.New()
	h.Write([]byte(c.Agent))
	h.Write([]byte{0})
	h.Write([]byte(c.Node))
	h.Write([]byte{0})
	h.Write([]byte(c.Trigger))
	h.Write([]byte{0})
	h.Write([]byte(hashMap(c.Inputs)))
	h.Write([]byte{0})
	h.Write([]byte(hashMap(c.Outputs)))
	h.Write([]byte{0})
	h.Write([]byte(fmt.Sprintf("%.6f", c.Confidence)))
	return hex.EncodeToString(h.Sum(nil))
}

// payload is the wire shape of the reason-card event.
func (c ReasonCard) payload() map[string]any {
	return map[string]any{
		"agent":                   c.Agent,
		"node":                    c.Node,
		"reasoning":               c.Reasoning,
		"decision":                c.Decision,
		"confidence":              c.Confidence,
		"inputs":                  c.Inputs,
		"outputs":                 c.Outputs,
		"alternatives_considered": c.AlternativesConsidered,
		"category":                c.Category,
		"priority":                c.Priority,
	}
}

// hashMap produces a stable digest of a map by hashing keys in sorted
// order with JSON-encoded values.
func hashMap(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		v, err := json.Marshal(m[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", m[k]))
		}
		h.Write(v)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
