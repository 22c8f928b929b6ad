package driver

import "testing"

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		name      string
		prefix    string
		sessionID string
		want      string
	}{
		{"lowercases", "ns", "Sess-ABC", "ns-sess-abc"},
		{"strips disallowed chars", "ns", "sess_1/2.3", "ns-sess-123"},
		{"keeps dashes and underscores as dashes", "worker", "a_b-c", "worker-a-b-c"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeName(tc.prefix, tc.sessionID)
			if got != tc.want {
				t.Errorf("sanitizeName(%q, %q) = %q, want %q", tc.prefix, tc.sessionID, got, tc.want)
			}
		})
	}
}

func TestSanitizeNameTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := sanitizeName("ns", long)
	if len(got) > 63 {
		t.Errorf("expected sanitized name to be truncated to 63 chars, got %d", len(got))
	}
}

func TestIsTerminalPhase(t *testing.T) {
	terminal := []string{"exited", "dead", "removing"}
	for _, s := range terminal {
		if !isTerminalPhase(s) {
			t.Errorf("expected %q to be a terminal phase", s)
		}
	}
	nonTerminal := []string{"running", "created", "restarting", "paused"}
	for _, s := range nonTerminal {
		if isTerminalPhase(s) {
			t.Errorf("expected %q not to be a terminal phase", s)
		}
	}
}
