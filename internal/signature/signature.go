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

// Package signature verifies the X-Hub-Signature-256 header the WhatsApp
// Cloud API attaches to every webhook delivery.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HeaderName is the request header carrying the payload signature.
const HeaderName = "X-Hub-Signature-256"

const prefix = "sha256="

// Outcome is the result of a signature check.
type Outcome int

const (
	// Valid means the header matched an HMAC of the body.
	Valid Outcome = iota
	// Invalid means the header was present but did not match.
	Invalid
	// Skipped means no secret or no header was available, so nothing
	// was checked.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Check computes HMAC-SHA256 over the raw body with secret and compares it
// with the lower-case hex digest in header. body must be the exact bytes
// received.
func Check(body []byte, header, secret string) Outcome {
	if secret == "" || strings.TrimSpace(header) == "" {
		return Skipped
	}

	got := strings.TrimPrefix(strings.TrimSpace(header), prefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return Invalid
	}
	return Valid
}

// Verify reports whether the request should be accepted. A skipped check
// counts as accepted; use Check to tell the two apart.
func Verify(body []byte, header, secret string) bool {
	return Check(body, header, secret) != Invalid
}

// Sign returns the header value for body, as the provider would send it.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}
