// internal/state/collector.go
package state

import (
	"github.com/user/turnstile/internal/types"
)

// Collector accumulates assistant text for one turn stream. Tracking which
// items streamed deltas avoids double-counting text that also arrives in
// the item/completed payload.
type Collector struct {
	assistantItems map[string]bool
	itemsWithDelta map[string]bool
	text           string
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		assistantItems: make(map[string]bool),
		itemsWithDelta: make(map[string]bool),
	}
}

// Push consumes one envelope and updates the accumulated text.
func (c *Collector) Push(envelope *types.Envelope) {
	params, _ := envelope.JSON["params"].(map[string]any)

	switch envelope.Method {
	case "item/started", "turn/itemAdded":
		item, ok := params["item"].(map[string]any)
		itemType, _ := params["itemType"].(string)
		if ok {
			if t, okT := item["itemType"].(string); okT {
				itemType = t
			} else if t, okT := item["type"].(string); okT {
				itemType = t
			}
		}
		if itemType == "agentMessage" && envelope.ItemID != "" {
			c.assistantItems[envelope.ItemID] = true
			if ok {
				if text, okText := item["text"].(string); okText && text != "" {
					c.text += text
					c.itemsWithDelta[envelope.ItemID] = true
				}
			}
		}
	case "item/agentMessage/delta":
		if envelope.ItemID == "" {
			return
		}
		c.assistantItems[envelope.ItemID] = true
		if delta, ok := params["delta"].(string); ok && delta != "" {
			c.text += delta
			c.itemsWithDelta[envelope.ItemID] = true
		}
	case "item/completed":
		if envelope.ItemID == "" || !c.assistantItems[envelope.ItemID] {
			return
		}
		if c.itemsWithDelta[envelope.ItemID] {
			return
		}
		item, ok := params["item"].(map[string]any)
		if !ok {
			return
		}
		if text, okText := item["text"].(string); okText {
			c.text += text
		}
	}
}

// Text returns the accumulated assistant text.
func (c *Collector) Text() string {
	return c.text
}
