package sdp

import (
	"testing"

	pionsdp "github.com/pion/sdp"
)

// TestNewAttributesFromStructRoundTripsThroughPopulate exercises both
// reflection helpers together: NewAttributesFromStruct renders a
// tagged struct into attributes the way buildSDP does for the DESCRIBE
// body, and PopulateStructFromAttributes parses them back, the way a
// client-side SDP reader would.
func TestNewAttributesFromStructRoundTripsThroughPopulate(t *testing.T) {
	want := VendorInfo{Tool: "rtspcamd"}

	attrs, err := NewAttributesFromStruct(&want)
	if err != nil {
		t.Fatalf("NewAttributesFromStruct: %v", err)
	}
	if len(attrs) != 1 || attrs[0].Key != "tool" || attrs[0].Value != "rtspcamd" {
		t.Fatalf("attrs = %+v, want one tool attribute", attrs)
	}

	var got VendorInfo
	if err := PopulateStructFromAttributes(&got, attrs); err != nil {
		t.Fatalf("PopulateStructFromAttributes: %v", err)
	}
	if got != want {
		t.Fatalf("round-tripped struct = %+v, want %+v", got, want)
	}
}

func TestPopulateStructFromAttributesRejectsUnknownKey(t *testing.T) {
	var got VendorInfo
	err := PopulateStructFromAttributes(&got, []pionsdp.Attribute{pionsdp.NewAttribute("bogus", "x")})
	if err == nil {
		t.Fatal("expected an error for an attribute key with no matching sdp tag")
	}
}

func TestExtraFromVendorInfoFormatsAsColonPair(t *testing.T) {
	extra, err := ExtraFromVendorInfo(&VendorInfo{Tool: "rtspcamd"})
	if err != nil {
		t.Fatalf("ExtraFromVendorInfo: %v", err)
	}
	if len(extra) != 1 || extra[0] != "tool:rtspcamd" {
		t.Fatalf("extra = %v, want [\"tool:rtspcamd\"]", extra)
	}
}
