package redis

import (
	"errors"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{currentRoundKey("bitcoin"), "bitcoin:shares:round:current"},
		{roundKey("bitcoin", 840000), "bitcoin:shares:round:840000"},
		{statsKey("bitcoin"), "bitcoin:stats"},
		{hashrateKey("bitcoin"), "bitcoin:hashrate"},
		{wholeDayKey("alice", "bitcoin"), "alice:bitcoin:hashrate"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestHashrateMember(t *testing.T) {
	at := time.UnixMilli(1713436135123)
	if got := hashrateMember(16, "alice", true, at); got != "16:alice:1713436135123" {
		t.Errorf("valid member = %q", got)
	}
	if got := hashrateMember(0.5, "bob", false, at); got != "-0.5:bob:1713436135123" {
		t.Errorf("invalid member = %q", got)
	}
}

func TestSlotField(t *testing.T) {
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2024, 4, 18, 0, 0, 0, 0, time.UTC), "0:0"},
		{time.Date(2024, 4, 18, 9, 4, 59, 0, time.UTC), "9:0"},
		{time.Date(2024, 4, 18, 9, 5, 0, 0, time.UTC), "9:5"},
		{time.Date(2024, 4, 18, 23, 59, 0, 0, time.UTC), "23:55"},
	}
	for _, tt := range tests {
		if got := slotField(tt.at); got != tt.want {
			t.Errorf("slotField(%s) = %q, want %q", tt.at.Format(time.Kitchen), got, tt.want)
		}
	}
}

func TestNeedsSample(t *testing.T) {
	now := time.Unix(1713436135, 0)
	tests := []struct {
		name   string
		stored string
		want   bool
	}{
		{"fresh", "1250.5:1713436035", false},
		{"exactly refresh old", "1250.5:1713435835", false},
		{"stale", "1250.5:1713435834", true},
		{"no timestamp", "1250.5", true},
		{"garbage timestamp", "1250.5:soon", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsSample(tt.stored, now); got != tt.want {
				t.Errorf("needsSample(%q) = %v, want %v", tt.stored, got, tt.want)
			}
		})
	}
}

func TestIsNoSuchKey(t *testing.T) {
	if !isNoSuchKey(errors.New("ERR no such key")) {
		t.Error("rename of a missing round should be ignored")
	}
	if isNoSuchKey(errors.New("READONLY You can't write against a read only replica")) {
		t.Error("other errors must surface")
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	if _, err := NewClient(&Config{URL: "http://localhost:6379", Coin: "bitcoin"}); err == nil {
		t.Error("non-redis URL should be rejected")
	}
}
