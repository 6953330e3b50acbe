package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"longer than max", "very-long-token-abc123", 8, "very-lon"},
		{"shorter than max", "short", 10, "short"},
		{"exact length", "eight888", 8, "eight888"},
		{"empty string", "", 5, ""},
		{"zero max", "token", 0, ""},
		{"negative max", "token", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestStableShard_Deterministic(t *testing.T) {
	for _, key := range []string{"", "urn:ietf:params:oauth:request_uri:abc", "user-1234"} {
		first := StableShard(key, 8)
		for i := 0; i < 100; i++ {
			if got := StableShard(key, 8); got != first {
				t.Fatalf("StableShard(%q, 8) not stable: got %d then %d", key, first, got)
			}
		}
		if first < 0 || first >= 8 {
			t.Errorf("StableShard(%q, 8) = %d, out of range", key, first)
		}
	}
}

func TestStableShard_SingleShard(t *testing.T) {
	if got := StableShard("anything", 1); got != 0 {
		t.Errorf("StableShard with 1 shard = %d, want 0", got)
	}
	if got := StableShard("anything", 0); got != 0 {
		t.Errorf("StableShard with 0 shards = %d, want 0", got)
	}
}
