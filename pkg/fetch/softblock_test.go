package fetch

import "testing"

func TestDefaultBlockDetector(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"cloudflare challenge", 403, `<div id="cf-browser-verification">`, true},
		{"just a moment page", 503, "<title>Just a Moment...</title>", true},
		{"case insensitive", 403, "CHECKING YOUR BROWSER", true},
		{"captcha page", 403, "please solve this CAPTCHA", true},
		{"incapsula", 403, "Request unsuccessful. Incapsula incident ID", true},
		{"plain forbidden", 403, "forbidden", false},
		{"signature on wrong status", 200, "just a moment", false},
		{"signature on 500", 500, "captcha", false},
		{"empty body", 403, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultBlockDetector(tt.status, []byte(tt.body)); got != tt.want {
				t.Errorf("DefaultBlockDetector(%d, %q) = %v, want %v", tt.status, tt.body, got, tt.want)
			}
		})
	}
}

func TestSignatureBlockDetector(t *testing.T) {
	detector := SignatureBlockDetector([]string{"Custom Block Page"})

	if !detector(403, []byte("this is a CUSTOM BLOCK PAGE response")) {
		t.Error("custom signature should match case-insensitively")
	}
	if detector(403, []byte("just a moment")) {
		t.Error("custom detector should not match built-in signatures")
	}
	if detector(404, []byte("custom block page")) {
		t.Error("custom detector should only fire on 403/503")
	}
}
