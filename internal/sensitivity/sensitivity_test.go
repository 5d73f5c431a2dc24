package sensitivity

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		obs  Observation
		want bool
	}{
		{"plain text", Observation{Contents: []string{"user prefers dark mode"}}, false},
		{"system message type", Observation{MessageType: "system", Contents: []string{"anything"}}, true},
		{"internal message type", Observation{MessageType: "internal"}, true},
		{"coordination message type", Observation{MessageType: "coordination"}, true},
		{"message type case folded", Observation{MessageType: "SYSTEM"}, true},
		{"chat message type", Observation{MessageType: "chat", Contents: []string{"hello"}}, false},
		{"record flag", Observation{Sensitive: true, Contents: []string{"ordinary"}}, true},
		{"system prefix", Observation{Contents: []string{"[system] do not surface"}}, true},
		{"internal prefix", Observation{Contents: []string{"[internal] planning note"}}, true},
		{"prefix case folded", Observation{Contents: []string{"[SYSTEM] internal note"}}, true},
		{"prefix after leading whitespace", Observation{Contents: []string{"   \t[internal] note"}}, true},
		{"prefix mid string is not a match", Observation{Contents: []string{"mentioning [system] inline"}}, false},
		{"any entry marks the whole observation", Observation{Contents: []string{"normal text", "[SYSTEM] internal note"}}, true},
		{"empty contents", Observation{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.obs); got != tc.want {
				t.Fatalf("Classify(%+v) = %v, want %v", tc.obs, got, tc.want)
			}
		})
	}
}

func TestClassifyRoundTrip(t *testing.T) {
	obs := Observation{Contents: []string{"normal text", "[system] internal note"}}
	if !Classify(obs) {
		t.Fatalf("expected sensitive with matching entry present")
	}
	obs.Contents = obs.Contents[:1]
	if Classify(obs) {
		t.Fatalf("expected non-sensitive after removing the matching entry")
	}
}
