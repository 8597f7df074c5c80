package fetch

import (
	"bytes"
	"strings"
)

// BlockDetector reports whether a response is an anti-automation challenge
// page rather than an application response. Detection is advisory: a missed
// block is still retried through the normal 403/503 path.
type BlockDetector func(status int, body []byte) bool

// Signatures known to mark challenge pages. Matching is case-insensitive.
var blockSignatures = []string{
	"cf-browser-verification",
	"cf_chl_opt",
	"__cf_chl",
	"checking your browser",
	"just a moment",
	"attention required",
	"ddos protection by",
	"challenge-platform",
	"captcha",
	"are you a robot",
	"access denied",
	"request unsuccessful. incapsula",
	"pardon our interruption",
}

// DefaultBlockDetector matches the built-in challenge-page signatures on
// 403 and 503 responses.
func DefaultBlockDetector(status int, body []byte) bool {
	if status != 403 && status != 503 {
		return false
	}

	lower := bytes.ToLower(body)
	for _, sig := range blockSignatures {
		if bytes.Contains(lower, []byte(sig)) {
			return true
		}
	}
	return false
}

// SignatureBlockDetector builds a detector for a custom signature list,
// matched case-insensitively against 403/503 bodies.
func SignatureBlockDetector(signatures []string) BlockDetector {
	lowered := make([]string, len(signatures))
	for i, sig := range signatures {
		lowered[i] = strings.ToLower(sig)
	}

	return func(status int, body []byte) bool {
		if status != 403 && status != 503 {
			return false
		}
		lower := bytes.ToLower(body)
		for _, sig := range lowered {
			if bytes.Contains(lower, []byte(sig)) {
				return true
			}
		}
		return false
	}
}
