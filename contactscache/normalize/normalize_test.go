package normalize_test

import (
	"reflect"
	"testing"

	"github.com/autotech-aaos/contactscache/contactscache/model"
	"github.com/autotech-aaos/contactscache/contactscache/normalize"
)

func limits() model.CacheLimits {
	return model.ProductionDefaults()
}

func TestContactDropsBlankExternalID(t *testing.T) {
	_, ok := normalize.Contact(model.RawContact{ExternalContactID: "   "}, limits())
	if ok {
		t.Fatal("expected blank external_contact_id to be dropped")
	}
}

func TestContactDefaultsDisplayName(t *testing.T) {
	p, ok := normalize.Contact(model.RawContact{ExternalContactID: "c1", DisplayName: "  "}, limits())
	if !ok {
		t.Fatal("expected contact to be kept")
	}
	if got, want := p.DisplayName, "Unknown"; got != want {
		t.Errorf("DisplayName=%q, want %q", got, want)
	}
}

func TestContactTruncatesDisplayName(t *testing.T) {
	l := limits()
	l.MaxDisplayNameChars = 3
	p, ok := normalize.Contact(model.RawContact{ExternalContactID: "c1", DisplayName: "Alexandra"}, l)
	if !ok {
		t.Fatal("expected contact to be kept")
	}
	if got, want := p.DisplayName, "Ale"; got != want {
		t.Errorf("DisplayName=%q, want %q", got, want)
	}
}

func TestContactClampsNegativeVersionAndTimestamp(t *testing.T) {
	p, ok := normalize.Contact(model.RawContact{
		ExternalContactID:    "c1",
		SourceVersion:        -5,
		SourceLastModifiedMs: -100,
	}, limits())
	if !ok {
		t.Fatal("expected contact to be kept")
	}
	if p.SourceVersion != 0 {
		t.Errorf("SourceVersion=%d, want 0", p.SourceVersion)
	}
	if p.SourceLastModifiedMs != 0 {
		t.Errorf("SourceLastModifiedMs=%d, want 0", p.SourceLastModifiedMs)
	}
}

func TestNormalizePhoneRetainsDigitsAndLeadingPlus(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"+1-555-0100", "+15550100"},
		{"(555) 0100", "5550100"},
		{"555+0100", "5550100"},
		{"++15550100", "+15550100"},
		{"   ", ""},
		{"abc", ""},
	}
	for _, c := range cases {
		p, ok := normalize.Contact(model.RawContact{ExternalContactID: "c1", Phones: []string{c.raw}}, limits())
		if !ok {
			t.Fatalf("raw=%q: expected contact to be kept", c.raw)
		}
		if c.want == "" {
			if len(p.Phones) != 0 {
				t.Errorf("raw=%q: Phones=%v, want empty", c.raw, p.Phones)
			}
			continue
		}
		if got := p.Phones; !reflect.DeepEqual(got, []string{c.want}) {
			t.Errorf("raw=%q: Phones=%v, want [%q]", c.raw, got, c.want)
		}
	}
}

func TestNormalizePhonesDedupesPreservingOrder(t *testing.T) {
	p, ok := normalize.Contact(model.RawContact{
		ExternalContactID: "c1",
		Phones:            []string{"555-0100", "+1 555 0100", "5550100", "555-0200"},
	}, limits())
	if !ok {
		t.Fatal("expected contact to be kept")
	}
	want := []string{"5550100", "+15550100", "5550200"}
	if !reflect.DeepEqual(p.Phones, want) {
		t.Errorf("Phones=%v, want %v", p.Phones, want)
	}
}

func TestNormalizePhonesCapsPerContact(t *testing.T) {
	l := limits()
	l.MaxPhonesPerContact = 2
	raw := model.RawContact{ExternalContactID: "c1", Phones: []string{"1", "2", "3"}}
	p, ok := normalize.Contact(raw, l)
	if !ok {
		t.Fatal("expected contact to be kept")
	}
	if got, want := len(p.Phones), 2; got != want {
		t.Errorf("len(Phones)=%d, want %d", got, want)
	}
}

func TestNormalizeEmailsLowercasesAndRequiresAt(t *testing.T) {
	p, ok := normalize.Contact(model.RawContact{
		ExternalContactID: "c1",
		Emails:            []string{"Alex@Example.com", "not-an-email", "ALEX@EXAMPLE.COM"},
	}, limits())
	if !ok {
		t.Fatal("expected contact to be kept")
	}
	want := []string{"alex@example.com"}
	if !reflect.DeepEqual(p.Emails, want) {
		t.Errorf("Emails=%v, want %v", p.Emails, want)
	}
}

func TestSourceDeviceBlankRejected(t *testing.T) {
	if _, ok := normalize.SourceDevice("   ", limits()); ok {
		t.Fatal("expected blank source_device to be rejected")
	}
}

func TestSourceDeviceTruncated(t *testing.T) {
	l := limits()
	l.MaxSourceDeviceChars = 4
	got, ok := normalize.SourceDevice("pixel8-bt", l)
	if !ok {
		t.Fatal("expected source_device to be accepted")
	}
	if want := "pixe"; got != want {
		t.Errorf("SourceDevice=%q, want %q", got, want)
	}
}
