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

package conversation

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig selects how requests to the conversation service are
// authenticated. Client credentials take precedence over a static token.
type AuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// StaticToken is sent as a bearer token when no client credentials
	// are configured.
	StaticToken string

	Timeout time.Duration
}

// NewHTTPClient builds an *http.Client that attaches a bearer token to
// every request.
func NewHTTPClient(ctx context.Context, cfg AuthConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// oauth2 picks up the base client from the context.
	base := &http.Client{Timeout: timeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	var client *http.Client
	switch {
	case cfg.ClientID != "" && cfg.TokenURL != "":
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = creds.Client(ctx)
	case cfg.StaticToken != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.StaticToken,
			TokenType:   "Bearer",
		}))
	default:
		return base
	}
	client.Timeout = timeout
	return client
}
