package security

import (
	"encoding/json"
	"testing"
)

func TestSeverityRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if got := ParseSeverity(s.String()); got != s {
			t.Errorf("ParseSeverity(%q) = %v, want %v", s.String(), got, s)
		}
	}
}

func TestParseSeverityDefaultsToCritical(t *testing.T) {
	if got := ParseSeverity("bogus"); got != SeverityCritical {
		t.Errorf("ParseSeverity(bogus) = %v, want critical", got)
	}
	if got := ParseSeverity(""); got != SeverityCritical {
		t.Errorf("ParseSeverity(empty) = %v, want critical", got)
	}
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(SeverityHigh)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"high"` {
		t.Errorf("marshal = %s, want %q", data, `"high"`)
	}

	var s Severity
	if err := json.Unmarshal([]byte(`"medium"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != SeverityMedium {
		t.Errorf("unmarshal = %v, want medium", s)
	}
}

func TestMax(t *testing.T) {
	if got := Max(SeverityLow, SeverityHigh); got != SeverityHigh {
		t.Errorf("Max(low, high) = %v, want high", got)
	}
	if got := Max(SeverityCritical, SeverityMedium); got != SeverityCritical {
		t.Errorf("Max(critical, medium) = %v, want critical", got)
	}
}
