package krb5auth

import "testing"

func TestASN1LengthBytesShortForm(t *testing.T) {
	for _, l := range []int{0, 1, 127} {
		got := asn1LengthBytes(l)
		if len(got) != 1 || got[0] != byte(l) {
			t.Fatalf("asn1LengthBytes(%d) = %v, want single byte %d", l, got, l)
		}
	}
}

func TestASN1LengthBytesLongForm(t *testing.T) {
	got := asn1LengthBytes(128)
	if len(got) != 2 {
		t.Fatalf("asn1LengthBytes(128) = %v, want 2 bytes", got)
	}
	if got[0] != 128+1 {
		t.Fatalf("first byte = %x, want %x", got[0], 128+1)
	}
	if got[1] != 128 {
		t.Fatalf("second byte = %d, want 128", got[1])
	}
}

func TestASN1LengthBytesMultiByteForm(t *testing.T) {
	got := asn1LengthBytes(300)
	if len(got) != 3 {
		t.Fatalf("asn1LengthBytes(300) = %v, want 3 bytes", got)
	}
	if got[0] != 128+2 {
		t.Fatalf("first byte = %x, want %x", got[0], 128+2)
	}
	value := int(got[1])<<8 | int(got[2])
	if value != 300 {
		t.Fatalf("decoded length = %d, want 300", value)
	}
}

func TestWrapGSSHeaderContainsOIDAndPayload(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	wrapped := wrapGSSHeader(payload)

	if wrapped[0] != 0x60 {
		t.Fatalf("first byte = %x, want 0x60 (APPLICATION 0 constructed)", wrapped[0])
	}

	oidStart := len(wrapped) - len(payload) - len(krb5OID)
	for i, b := range krb5OID {
		if wrapped[oidStart+i] != b {
			t.Fatalf("OID mismatch at %d: got %x want %x", i, wrapped[oidStart+i], b)
		}
	}

	tail := wrapped[len(wrapped)-len(payload):]
	for i, b := range payload {
		if tail[i] != b {
			t.Fatalf("payload mismatch at %d: got %x want %x", i, tail[i], b)
		}
	}
}
