// Package sensitive spots raw identifying values in record payloads that
// should have been tokenized before they reached the service.
package sensitive

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind names a class of raw value
type Kind string

const (
	KindEmail      Kind = "email"
	KindSSN        Kind = "ssn"
	KindCreditCard Kind = "credit_card"
	KindIPAddress  Kind = "ip_address"
)

// Finding is one raw value found in a payload. The value itself is never kept.
type Finding struct {
	Kind Kind
	Path string // JSON path of the offending field, e.g. contact.email or phones[1]
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)

	// dashed form only; bare nine digit numbers collide with numeric tokens
	ssnPattern = regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)

	creditCardPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b4[0-9]{12}(?:[0-9]{3})?\b`),           // Visa
		regexp.MustCompile(`\b5[1-5][0-9]{14}\b`),                   // MasterCard
		regexp.MustCompile(`\b3[47][0-9]{13}\b`),                    // American Express
		regexp.MustCompile(`\b6(?:011|5[0-9]{2})[0-9]{12}\b`),       // Discover
		regexp.MustCompile(`\b(?:2131|1800|35[0-9]{3})[0-9]{11}\b`), // JCB
	}

	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
)

// ScanString returns the kinds of raw value s contains
func ScanString(s string) []Kind {
	var kinds []Kind

	if emailPattern.MatchString(s) {
		kinds = append(kinds, KindEmail)
	}

	for _, m := range ssnPattern.FindAllString(s, -1) {
		if looksLikeSSN(strings.ReplaceAll(m, "-", "")) {
			kinds = append(kinds, KindSSN)
			break
		}
	}

cards:
	for _, pattern := range creditCardPatterns {
		for _, m := range pattern.FindAllString(s, -1) {
			if luhnCheck(m) {
				kinds = append(kinds, KindCreditCard)
				break cards
			}
		}
	}

	if ipv4Pattern.MatchString(s) {
		kinds = append(kinds, KindIPAddress)
	}

	return kinds
}

// ScanPayload walks every string in a JSON payload. Numbers are checked
// as text too, so a card number sent as a JSON number is still caught.
// Findings are ordered by path. Invalid JSON yields no findings.
func ScanPayload(payload json.RawMessage) []Finding {
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil
	}

	var findings []Finding
	walk(v, "", &findings)
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Path < findings[j].Path })
	return findings
}

func walk(v interface{}, path string, out *[]Finding) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			p := k
			if path != "" {
				p = path + "." + k
			}
			walk(child, p, out)
		}
	case []interface{}:
		for i, child := range t {
			walk(child, path+"["+strconv.Itoa(i)+"]", out)
		}
	case string:
		for _, k := range ScanString(t) {
			*out = append(*out, Finding{Kind: k, Path: path})
		}
	case json.Number:
		for _, k := range ScanString(t.String()) {
			*out = append(*out, Finding{Kind: k, Path: path})
		}
	}
}

// looksLikeSSN rejects number ranges never issued as SSNs
func looksLikeSSN(s string) bool {
	if len(s) != 9 {
		return false
	}
	if s[:3] == "000" || s[3:5] == "00" || s[5:] == "0000" {
		return false
	}
	if strings.HasPrefix(s, "666") || strings.HasPrefix(s, "9") {
		return false
	}
	return true
}

// luhnCheck validates a card number with the Luhn algorithm
func luhnCheck(number string) bool {
	if len(number) < 13 || len(number) > 19 {
		return false
	}

	sum := 0
	second := false
	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}
		if second {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		second = !second
	}
	return sum%10 == 0
}
