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

// Package conversation calls the conversation-processing service that
// drives the booking dialogue for a calendar. The ingress only hands
// messages over; replies are sent by that service.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Request identifies one inbound message for a calendar.
type Request struct {
	CalendarID  string `json:"calendar_id"`
	PhoneNumber string `json:"phone_number"`
	MessageID   string `json:"message_id"`
	Content     string `json:"content"`
	ContactName string `json:"contact_name,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
}

// Client posts messages to the conversation service.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

// NewClient creates a client that POSTs to endpoint using httpClient,
// which is expected to carry authentication (see NewHTTPClient).
func NewClient(httpClient *http.Client, endpoint string) *Client {
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
	}
}

// Process hands a message to the conversation service. Any non-2xx
// response is an error.
func (c *Client) Process(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal conversation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call conversation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("conversation service returned HTTP %d for message %s: %s",
			resp.StatusCode, req.MessageID, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
