package cache

import (
	"testing"
	"time"
)

func TestEntryIsExpired(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"future expiry", time.Now().Add(time.Minute), false},
		{"past expiry", time.Now().Add(-time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{Expires: tt.expires}
			if got := e.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntryTTL(t *testing.T) {
	e := &Entry{Expires: time.Now().Add(time.Minute)}

	ttl := e.TTL()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL() = %v, want (0, 1m]", ttl)
	}
}

func TestEntryTTL_Expired(t *testing.T) {
	e := &Entry{Expires: time.Now().Add(-time.Minute)}

	if ttl := e.TTL(); ttl != 0 {
		t.Errorf("TTL() on expired entry = %v, want 0", ttl)
	}
}
