package model

import "testing"

func TestNewConversationKey(t *testing.T) {
	tests := []struct {
		name     string
		a, b     int64
		wantLow  int64
		wantHigh int64
	}{
		{"ordered", 1, 2, 1, 2},
		{"reversed", 9, 3, 3, 9},
		{"equal", 7, 7, 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := NewConversationKey(tt.a, tt.b)
			if key.Low != tt.wantLow || key.High != tt.wantHigh {
				t.Errorf("NewConversationKey(%d, %d) = {%d, %d}, want {%d, %d}",
					tt.a, tt.b, key.Low, key.High, tt.wantLow, tt.wantHigh)
			}
		})
	}
}

func TestConversationKeySymmetric(t *testing.T) {
	if NewConversationKey(42, 17) != NewConversationKey(17, 42) {
		t.Error("keys for the same pair must be equal regardless of argument order")
	}
}

func TestGroupName(t *testing.T) {
	tests := []struct {
		a, b string
		want string
	}{
		{"alice", "bob", "private_alice_bob"},
		{"bob", "alice", "private_alice_bob"},
		{"zed", "amy", "private_amy_zed"},
	}
	for _, tt := range tests {
		if got := GroupName(tt.a, tt.b); got != tt.want {
			t.Errorf("GroupName(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestUserGroupName(t *testing.T) {
	if got := UserGroupName(12); got != "user_12" {
		t.Errorf("UserGroupName(12) = %q, want %q", got, "user_12")
	}
}
