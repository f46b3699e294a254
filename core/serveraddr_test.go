package core

import "testing"

func TestNewServerAddrCanonicalizesHost(t *testing.T) {
	addr, err := NewServerAddr("EXAMPLE.com", 50002, ProtocolTLS)
	if err != nil {
		t.Fatalf("NewServerAddr: %v", err)
	}
	if addr.Host != "example.com" {
		t.Fatalf("expected lowercased host, got %q", addr.Host)
	}

	v6, err := NewServerAddr("[::1]", 50002, ProtocolTLS)
	if err != nil {
		t.Fatalf("NewServerAddr ipv6: %v", err)
	}
	if v6.Host != "::1" {
		t.Fatalf("expected stripped/normalized ipv6 host, got %q", v6.Host)
	}
}

func TestNewServerAddrRejectsEmptyHost(t *testing.T) {
	if _, err := NewServerAddr("", 50002, ProtocolTLS); err == nil {
		t.Fatal("expected error for empty host")
	}
}

func TestServerAddrStringAndFriendlyName(t *testing.T) {
	addr, err := NewServerAddr("example.com", 50002, ProtocolTLS)
	if err != nil {
		t.Fatalf("NewServerAddr: %v", err)
	}
	if got, want := addr.String(), "example.com:50002:s"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got, want := addr.FriendlyName(), "example.com:50002"; got != want {
		t.Fatalf("FriendlyName() = %q, want %q", got, want)
	}

	plain, _ := NewServerAddr("example.com", 50001, ProtocolPlaintext)
	if got, want := plain.FriendlyName(), "example.com:50001:t"; got != want {
		t.Fatalf("FriendlyName() = %q, want %q", got, want)
	}
}

func TestServerAddrFromString(t *testing.T) {
	addr, err := ServerAddrFromString("example.com:50002:s")
	if err != nil {
		t.Fatalf("ServerAddrFromString: %v", err)
	}
	if addr.Host != "example.com" || addr.Port != 50002 || addr.Protocol != ProtocolTLS {
		t.Fatalf("unexpected addr: %+v", addr)
	}

	if _, err := ServerAddrFromString("example.com:notaport:s"); err == nil {
		t.Fatal("expected error for malformed port")
	}
	if _, err := ServerAddrFromString("example.com:50002:x"); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestServerAddrFromStringWithIPv6(t *testing.T) {
	addr, err := ServerAddrFromString("[2001:db8::1]:50002:s")
	if err != nil {
		t.Fatalf("ServerAddrFromString ipv6: %v", err)
	}
	if !addr.IsIPv6() {
		t.Fatalf("expected ipv6 address, got %+v", addr)
	}
	if got, want := addr.String(), "[2001:db8::1]:50002:s"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestServerAddrFromStringWithInference(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort uint16
		wantProt Protocol
	}{
		{"example.com:50002:s", "example.com", 50002, ProtocolTLS},
		{"example.com:50001:t", "example.com", 50001, ProtocolPlaintext},
		{"example.com:50002", "example.com", 50002, ProtocolTLS},
	}
	for _, tc := range cases {
		addr, ok := ServerAddrFromStringWithInference(tc.in)
		if !ok {
			t.Fatalf("%q: expected ok=true", tc.in)
		}
		if addr.Host != tc.wantHost || addr.Port != tc.wantPort || addr.Protocol != tc.wantProt {
			t.Fatalf("%q: got %+v", tc.in, addr)
		}
	}

	if _, ok := ServerAddrFromStringWithInference("not-an-address"); ok {
		t.Fatal("expected ok=false for input with no port")
	}
}
