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

// Package scan provides cheap pre-filter analysis over message bodies:
// URL extraction and suspicious-keyword matching. A positive signal only
// gates the call to the external threat-detection service — it is not a
// verdict.
package scan

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var urlRe = regexp.MustCompile(`https?://[^\s"'<>\[\]()]+`)

// suspiciousKeywords are matched case-insensitively as substrings.
// Any single hit is sufficient.
var suspiciousKeywords = []string{
	"urgent",
	"verify account",
	"immediate action",
	"suspended",
	"click here",
	"confirm identity",
	"prize",
	"winner",
	"limited time",
	"act now",
	"final notice",
}

// ExtractURLs returns all absolute HTTP(S) URLs in order of first
// appearance. Duplicates are preserved — dedup is not this layer's job.
func ExtractURLs(text string) []string {
	return urlRe.FindAllString(text, -1)
}

// ContainsSuspiciousKeywords reports whether the text matches any entry of
// the fixed keyword list.
func ContainsSuspiciousKeywords(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range suspiciousKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// HasThreatSignal is the pre-filter combining both checks.
func HasThreatSignal(urls []string, body string) bool {
	return len(urls) > 0 || ContainsSuspiciousKeywords(body)
}

// HTMLToText reduces an HTML body to its visible text so keyword matching
// is not thrown off by markup. Returns the input unchanged if it cannot be
// parsed as HTML.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// ExtractHTMLLinks pulls href targets out of anchor tags, keeping only
// absolute HTTP(S) links. Order follows document order.
func ExtractHTMLLinks(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
			links = append(links, href)
		}
	})
	return links
}
