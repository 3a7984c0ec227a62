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

// Package rawmime extracts a usable plain-text body from raw RFC-822 bytes.
//
// This is deliberately not a full MIME implementation. It covers exactly the
// subset the ingestion pipeline needs: header/body splitting with
// continuation-line folding, one level of multipart boundary splitting, and
// text/plain-over-text/html part selection. Parsing never fails — malformed
// input degrades to a placeholder body so a record is still stored.
package rawmime

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/phishguard/ingestion/internal/models"
)

// Placeholder bodies. Distinguishable so operators can tell a decode failure
// from a genuinely empty message.
const (
	FailurePlaceholder = "Error parsing email content"
	EmptyPlaceholder   = "[no content extracted]"
)

// minCleanedLen guards the stray-header trim: if stripping leading
// header-looking lines leaves less than this, the trim threw away real
// content and is reverted.
const minCleanedLen = 10

var (
	boundaryRe    = regexp.MustCompile(`(?i)boundary="?([^";\r\n]+)"?`)
	headerLineRe  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*:`)
	base64Decoder = base64.StdEncoding
)

// Parse decodes base64 raw message bytes and extracts headers and body.
// It always returns a ParsedEmail with a non-empty Body.
func Parse(rawBase64 string) models.ParsedEmail {
	decoded, err := base64Decoder.DecodeString(strings.TrimSpace(rawBase64))
	if err != nil {
		// Tolerate unpadded input.
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimSpace(rawBase64))
	}
	if err != nil {
		return models.ParsedEmail{
			Headers: map[string]string{},
			Body:    FailurePlaceholder,
		}
	}
	return ParseText(string(decoded))
}

// ParseText parses already-decoded RFC-822 text.
func ParseText(raw string) models.ParsedEmail {
	headers, body := splitHeaders(raw)

	parsed := models.ParsedEmail{Headers: headers}

	if ct := headers["content-type"]; strings.Contains(strings.ToLower(ct), "multipart") {
		if text, html, ok := splitMultipart(body, ct); ok {
			parsed.BodyHTML = html
			if text != "" {
				parsed.Body = text
			} else {
				parsed.Body = html
			}
		}
	}

	if parsed.Body == "" {
		parsed.Body = cleanSinglePartBody(body)
	}

	if strings.TrimSpace(parsed.Body) == "" {
		parsed.Body = EmptyPlaceholder
	}
	return parsed
}

// splitHeaders scans top-down building the header map until the first blank
// line. Continuation lines (leading whitespace) are folded onto the previous
// header with a single joining space. If no blank line exists the whole
// input is treated as body with empty headers.
func splitHeaders(raw string) (map[string]string, string) {
	headers := map[string]string{}
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	blankAt := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			blankAt = i
			break
		}
	}
	if blankAt < 0 {
		return headers, raw
	}

	lastKey := ""
	for _, line := range lines[:blankAt] {
		if line == "" {
			break
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && lastKey != "" {
			headers[lastKey] += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		lastKey = strings.ToLower(strings.TrimSpace(name))
		headers[lastKey] = strings.TrimSpace(value)
	}

	return headers, strings.Join(lines[blankAt+1:], "\n")
}

// splitMultipart splits the body on the Content-Type boundary and returns
// the first text/plain and first text/html part bodies. ok is false when no
// usable part was found (including a malformed boundary parameter), in
// which case the caller falls back to single-part handling.
func splitMultipart(body, contentType string) (text, html string, ok bool) {
	m := boundaryRe.FindStringSubmatch(contentType)
	if m == nil {
		return "", "", false
	}
	boundary := strings.TrimSpace(m[1])
	if boundary == "" {
		return "", "", false
	}

	for _, chunk := range strings.Split(body, "--"+boundary) {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || chunk == "--" {
			continue
		}

		partHeaders, partBody := splitHeaders(chunk)
		partType := strings.ToLower(partHeaders["content-type"])
		partBody = strings.TrimSpace(partBody)
		if partBody == "" {
			continue
		}

		switch {
		case strings.Contains(partType, "text/plain") && text == "":
			text = partBody
		case strings.Contains(partType, "text/html") && html == "":
			html = partBody
		}
	}

	return text, html, text != "" || html != ""
}

// cleanSinglePartBody handles non-multipart content. Some upstream payloads
// leave stray header lines at the top of the body; strip up to ten of them,
// but revert if the result is implausibly short.
func cleanSinglePartBody(body string) string {
	lines := strings.Split(body, "\n")

	stripped := 0
	for stripped < len(lines) && stripped < 10 {
		line := lines[stripped]
		if strings.TrimSpace(line) == "" {
			stripped++
			break
		}
		if !headerLineRe.MatchString(line) {
			break
		}
		stripped++
	}

	cleaned := strings.TrimSpace(strings.Join(lines[stripped:], "\n"))
	if len(cleaned) < minCleanedLen {
		return strings.TrimSpace(body)
	}
	return cleaned
}
