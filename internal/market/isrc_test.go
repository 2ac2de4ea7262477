package market

import (
	"errors"
	"testing"
)

func TestParseISRC_Valid(t *testing.T) {
	tests := []struct {
		in   string
		code string
	}{
		{"BR-ABC-24-00001", "BRABC2400001"},
		{"BRABC2400001", "BRABC2400001"},
		{"us-s1z-99-00042", "USS1Z9900042"},
		{" GB-A1B-05-12345 ", "GBA1B0512345"},
	}
	for _, tt := range tests {
		got, err := ParseISRC(tt.in)
		if err != nil {
			t.Fatalf("ParseISRC(%q): unexpected error: %v", tt.in, err)
		}
		if got.Code != tt.code {
			t.Errorf("ParseISRC(%q): expected code %s, got %s", tt.in, tt.code, got.Code)
		}
	}

	got, _ := ParseISRC("BR-ABC-24-00001")
	if got.Country != "BR" || got.Registrant != "ABC" || got.Year != 24 || got.Designation != "00001" {
		t.Errorf("unexpected parts %+v", got)
	}
	if got.String() != "BR-ABC-24-00001" {
		t.Errorf("expected dashed form, got %s", got.String())
	}
}

func TestParseISRC_Invalid(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"BR-ABC-24",
		"B1-ABC-24-00001",  // digit in country
		"BR-AB-24-00001",   // short registrant
		"BR-ABC-2X-00001",  // non-numeric year
		"BR-ABC-24-0001",   // short designation
		"BR-ABC-24-000001", // long designation
	}
	for _, code := range tests {
		if _, err := ParseISRC(code); !errors.Is(err, ErrInvalidISRC) {
			t.Errorf("expected ErrInvalidISRC for %q, got %v", code, err)
		}
	}
}
