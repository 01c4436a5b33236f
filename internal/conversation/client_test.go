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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Process(t *testing.T) {
	var got Request
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	httpClient := NewHTTPClient(context.Background(), AuthConfig{StaticToken: "svc-key"})
	c := NewClient(httpClient, server.URL)

	err := c.Process(context.Background(), Request{
		CalendarID:  "cal-1",
		PhoneNumber: "4917612345",
		MessageID:   "wamid.1",
		Content:     "Code: A1B2C3D4",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer svc-key", auth)
	assert.Equal(t, "cal-1", got.CalendarID)
	assert.Equal(t, "wamid.1", got.MessageID)
}

func TestClient_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "calendar inactive", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	c := NewClient(server.Client(), server.URL)
	err := c.Process(context.Background(), Request{MessageID: "wamid.2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "calendar inactive")
}

func TestNewHTTPClient_ClientCredentials(t *testing.T) {
	tokenCalls := 0
	var auth string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"minted","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/process", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tokenURL, _ := url.JoinPath(server.URL, "token")
	httpClient := NewHTTPClient(context.Background(), AuthConfig{
		ClientID:     "ingress",
		ClientSecret: "secret",
		TokenURL:     tokenURL,
	})
	c := NewClient(httpClient, server.URL+"/process")

	require.NoError(t, c.Process(context.Background(), Request{MessageID: "a"}))
	require.NoError(t, c.Process(context.Background(), Request{MessageID: "b"}))
	assert.Equal(t, "Bearer minted", auth)
	assert.Equal(t, 1, tokenCalls)
}

func TestNewHTTPClient_NoAuth(t *testing.T) {
	c := NewHTTPClient(context.Background(), AuthConfig{})
	assert.NotNil(t, c)
	assert.Equal(t, "", headerOf(t, c))
}

func headerOf(t *testing.T, c *http.Client) string {
	t.Helper()
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer server.Close()
	resp, err := c.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	return auth
}
