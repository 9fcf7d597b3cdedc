package mdns

import (
	"bytes"
	"testing"
)

func TestServiceRenameSuffixStartsAtTwo(t *testing.T) {
	host := newHostDescriptor("myhost", nil, nil)
	svc := newServiceDescriptor("My Printer", "_printer._tcp", "local.", host, 631, nil)

	svc.Rename()
	if svc.Instance != "My Printer (2)" {
		t.Fatalf("expected first rename to produce suffix (2), got %q", svc.Instance)
	}
	svc.Rename()
	if svc.Instance != "My Printer (3)" {
		t.Fatalf("expected second rename to produce suffix (3), got %q", svc.Instance)
	}
}

func TestHostRenameSuffixStartsAtTwo(t *testing.T) {
	host := newHostDescriptor("myhost", nil, nil)
	host.Rename()
	if host.Name != "myhost-2.local." {
		t.Fatalf("expected first rename to produce -2 suffix, got %q", host.Name)
	}
	host.Rename()
	if host.Name != "myhost-3.local." {
		t.Fatalf("expected second rename to produce -3 suffix, got %q", host.Name)
	}
}

func TestQualifiedNameEscapesDots(t *testing.T) {
	host := newHostDescriptor("myhost", nil, nil)
	svc := newServiceDescriptor("Bob's Printer v1.0", "_printer._tcp", "local.", host, 631, nil)
	want := `Bob's Printer v1\.0._printer._tcp.local.`
	if svc.QualifiedName() != want {
		t.Fatalf("got %q, want %q", svc.QualifiedName(), want)
	}
}

func TestTextRecordsParsesBareAndValuedKeys(t *testing.T) {
	host := newHostDescriptor("myhost", nil, nil)
	raw := EncodeTXT(map[string][]byte{"rp": []byte("queue1"), "bare": nil})
	svc := newServiceDescriptor("hp", "_printer._tcp", "local.", host, 631, raw)

	records := svc.TextRecords()
	if !bytes.Equal(records["rp"], []byte("queue1")) {
		t.Fatalf("expected rp=queue1, got %q", records["rp"])
	}
	if v, ok := records["bare"]; !ok || v != nil {
		t.Fatalf("expected bare key present with nil value, got %v, present=%v", v, ok)
	}
	if !svc.TextHas("bare") || !svc.TextHas("rp") {
		t.Fatal("expected TextHas true for both keys")
	}
	if svc.TextHas("missing") {
		t.Fatal("expected TextHas false for absent key")
	}
}

func TestSetTextRejectedAfterCancel(t *testing.T) {
	host := newHostDescriptor("myhost", nil, nil)
	svc := newServiceDescriptor("hp", "_printer._tcp", "local.", host, 631, nil)
	svc.state.Cancel()

	if err := svc.SetText([]byte("x")); err == nil {
		t.Fatal("expected SetText to fail on a canceled descriptor")
	}
}
