package phone

import "testing"

func TestNormaliseLeadingZeroEight(t *testing.T) {
	got := Normalise("0812-345-6789")
	want := "628123456789"
	if got != want {
		t.Errorf("Normalise(0812-345-6789) = %q, want %q", got, want)
	}
}

func TestNormaliseStripsPunctuation(t *testing.T) {
	got := Normalise("+62 812 3456 789")
	want := "628123456789"
	if got != want {
		t.Errorf("Normalise(+62 812 3456 789) = %q, want %q", got, want)
	}
}

func TestNormaliseRejectsOutOfRangeLength(t *testing.T) {
	if got := Normalise("+6281234"); got != "" {
		t.Errorf("expected empty string for under-length number, got %q", got)
	}
	if got := Normalise("1234567890123456"); got != "" {
		t.Errorf("expected empty string for over-length number, got %q", got)
	}
}

func TestToJID(t *testing.T) {
	if got := ToJID("628123456789"); got != "628123456789@s.whatsapp.net" {
		t.Errorf("unexpected JID: %q", got)
	}
}
