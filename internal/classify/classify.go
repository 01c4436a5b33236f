// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package classify inspects WhatsApp Cloud API payloads: it decides which
// kind of webhook a delivery is and pulls out the parts the router needs.
// Nothing here returns an error for a malformed payload; unknown shapes
// fall back to defaults.
package classify

import (
	"encoding/json"

	"github.com/slotbook/wa-ingress/internal/models"
)

// UnknownChannel is used when a payload carries no phone_number_id.
const UnknownChannel = "unknown"

// Each variant decodes only the field it is looking for, so a malformed
// sibling field cannot hide a well-formed one.
type messagesVariant struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []json.RawMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type statusesVariant struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []json.RawMessage `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type contactsVariant struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []json.RawMessage `json:"contacts"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type metadataVariant struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// Classify returns the webhook type of a raw payload by inspecting
// entry[0].changes[0].value. Payloads matching no known shape classify as
// a message.
func Classify(raw []byte) models.WebhookType {
	var m messagesVariant
	if json.Unmarshal(raw, &m) == nil && len(m.Entry) > 0 && len(m.Entry[0].Changes) > 0 {
		if len(m.Entry[0].Changes[0].Value.Messages) > 0 {
			return models.WebhookMessage
		}
	}

	var s statusesVariant
	if json.Unmarshal(raw, &s) == nil && len(s.Entry) > 0 && len(s.Entry[0].Changes) > 0 {
		if s.Entry[0].Changes[0].Value.Statuses != nil {
			return models.WebhookStatus
		}
	}

	var c contactsVariant
	if json.Unmarshal(raw, &c) == nil && len(c.Entry) > 0 && len(c.Entry[0].Changes) > 0 {
		if c.Entry[0].Changes[0].Value.Contacts != nil {
			return models.WebhookContactUpdate
		}
	}

	return models.WebhookMessage
}

// ChannelID returns entry[0].changes[0].value.metadata.phone_number_id, or
// UnknownChannel.
func ChannelID(raw []byte) string {
	var m metadataVariant
	if err := json.Unmarshal(raw, &m); err != nil {
		return UnknownChannel
	}
	if len(m.Entry) == 0 || len(m.Entry[0].Changes) == 0 {
		return UnknownChannel
	}
	if id := m.Entry[0].Changes[0].Value.Metadata.PhoneNumberID; id != "" {
		return id
	}
	return UnknownChannel
}

// TextMessages returns every plain-text message in the payload, across all
// entries and changes. Non-text messages are skipped.
func TextMessages(raw []byte) []models.TextMessage {
	var p models.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}

	var out []models.TextMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range v.Messages {
				if msg.Type != "text" || msg.Text == nil || msg.Text.Body == "" {
					continue
				}
				out = append(out, models.TextMessage{
					ChannelID:   v.Metadata.PhoneNumberID,
					From:        msg.From,
					MessageID:   msg.ID,
					Body:        msg.Text.Body,
					ContactName: names[msg.From],
				})
			}
		}
	}
	return out
}
