package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got, want string
	}{
		{topics.State("living_room"), "savantaudio/state/living_room"},
		{topics.Command("living_room"), "savantaudio/command/living_room"},
		{topics.Ack("living_room"), "savantaudio/ack/living_room"},
		{topics.Discovery("living_room"), "savantaudio/discovery/living_room"},
		{topics.Request("req-1"), "savantaudio/request/req-1"},
		{topics.Response("req-1"), "savantaudio/response/req-1"},
		{topics.Health(), "savantaudio/health"},
		{topics.AllCommands(), "savantaudio/command/+"},
		{topics.AllRequests(), "savantaudio/request/+"},
		{topics.AllStates(), "savantaudio/state/+"},
		{topics.All(), "savantaudio/#"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestTopicsParse(t *testing.T) {
	tests := []struct {
		topic    string
		kind     string
		key      string
		expectOK bool
	}{
		{"savantaudio/command/kitchen", "command", "kitchen", true},
		{"savantaudio/request/abc", "request", "abc", true},
		{"savantaudio/health", "", "", false},
		{"other/command/kitchen", "", "", false},
		{"savantaudio/command/kitchen/extra", "", "", false},
		{"savantaudio/command/", "", "", false},
	}
	for _, tt := range tests {
		kind, key, ok := Topics{}.Parse(tt.topic)
		if ok != tt.expectOK || kind != tt.kind || key != tt.key {
			t.Errorf("Parse(%q) = %q, %q, %v", tt.topic, kind, key, ok)
		}
	}
}
