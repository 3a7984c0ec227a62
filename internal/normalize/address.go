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

package normalize

import (
	"regexp"
	"strings"
)

// AddressPlaceholder is returned when no usable address can be extracted.
// Downstream stores key on addresses, so this is never empty.
const AddressPlaceholder = "unknown@unknown"

var angleAddrRe = regexp.MustCompile(`<([^<>\s]+@[^<>\s]+)>`)

// ExtractAddress pulls a bare email address out of an RFC-2822 style header
// value such as `"Jane Doe" <jane@x.com>`. Plain addresses pass through
// unchanged. Never returns an empty string.
func ExtractAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return AddressPlaceholder
	}
	if m := angleAddrRe.FindStringSubmatch(value); m != nil {
		return strings.ToLower(m[1])
	}
	// Strip any stray quotes around a bare address.
	value = strings.Trim(value, `"' `)
	if value == "" || !strings.Contains(value, "@") {
		return AddressPlaceholder
	}
	return strings.ToLower(value)
}

// ExtractAddresses normalizes a list of header values to bare addresses,
// preserving order and dropping entries that yield no usable address.
func ExtractAddresses(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		addr := ExtractAddress(v)
		if addr == AddressPlaceholder {
			continue
		}
		out = append(out, addr)
	}
	return out
}
