package mdns

import (
	"net"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Header: Header{ID: 0, Flags: flagResponse | flagAuthoritative},
		Answers: []*Record{
			{Name: "foo.local.", Type: TypeA, Class: ClassIN, Unique: true, TTL: 120,
				Data: AddressData{IP: net.ParseIP("192.168.1.5").To4()}},
			{Name: "_printer._tcp.local.", Type: TypePTR, Class: ClassIN, Unique: false, TTL: 4500,
				Data: PointerData{Alias: "hp._printer._tcp.local."}},
			{Name: "hp._printer._tcp.local.", Type: TypeSRV, Class: ClassIN, Unique: true, TTL: 120,
				Data: ServiceData{Priority: 0, Weight: 0, Port: 631, Target: "hp.local."}},
			{Name: "hp._printer._tcp.local.", Type: TypeTXT, Class: ClassIN, Unique: true, TTL: 4500,
				Data: TextData{Raw: EncodeTXT(map[string][]byte{"rp": []byte("queue1")})}},
		},
	}

	datagrams, err := EncodeMessage(msg, defaultUDPPayload)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if len(datagrams) != 1 {
		t.Fatalf("expected a single datagram, got %d", len(datagrams))
	}

	decoded, err := DecodeMessage(datagrams[0], defaultUDPPayload)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if len(decoded.Answers) != len(msg.Answers) {
		t.Fatalf("expected %d answers, got %d", len(msg.Answers), len(decoded.Answers))
	}
	for i, want := range msg.Answers {
		got := decoded.Answers[i]
		if got.Type != want.Type || !got.nameEqualFold(want.Name) {
			t.Errorf("answer %d: got %s/%s, want %s/%s", i, got.Name, got.Type, want.Name, want.Type)
		}
		if !got.SameValue(want) {
			t.Errorf("answer %d: payload mismatch", i)
		}
	}
}

func TestEncodeMessageCompressionOffsetsAccountForHeader(t *testing.T) {
	// Two records sharing the "_printer._tcp.local." suffix force writeName
	// to emit a compression pointer back into the first occurrence. The
	// target position must land on that label, not 12 bytes early into the
	// header that gets prepended.
	msg := &Message{
		Header: Header{Flags: flagResponse | flagAuthoritative},
		Answers: []*Record{
			{Name: "_printer._tcp.local.", Type: TypePTR, Class: ClassIN, Unique: false, TTL: 4500,
				Data: PointerData{Alias: "hp._printer._tcp.local."}},
			{Name: "_printer._tcp.local.", Type: TypePTR, Class: ClassIN, Unique: false, TTL: 4500,
				Data: PointerData{Alias: "canon._printer._tcp.local."}},
		},
	}
	datagrams, err := EncodeMessage(msg, defaultUDPPayload)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	decoded, err := DecodeMessage(datagrams[0], defaultUDPPayload)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if len(decoded.Answers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(decoded.Answers))
	}
	for i, want := range msg.Answers {
		if !decoded.Answers[i].nameEqualFold(want.Name) {
			t.Fatalf("answer %d: name mismatch after compression round-trip: got %q want %q",
				i, decoded.Answers[i].Name, want.Name)
		}
	}
}

func TestNameCompressionPointerLoopRejected(t *testing.T) {
	// A pointer at offset 12 pointing to itself (0xC0, 0x0C) must be rejected
	// since it does not decrease the offset (§8 invariant: "decoder rejects
	// any pointer whose target >= the minimum offset of the current name
	// decode").
	data := make([]byte, 14)
	data[12] = 0xC0
	data[13] = 0x0C

	r := NewMessageReader(data)
	r.cursor = 12
	if _, err := r.readName(); err == nil {
		t.Fatal("expected self-referential compression pointer to be rejected")
	}
}

func TestNameCompressionForwardPointerRejected(t *testing.T) {
	// A pointer that targets an offset ahead of the name currently being
	// decoded must also be rejected (it is not a "prior" name).
	data := []byte{0xC0, 0x02, 0x03, 'f', 'o', 'o', 0x00}
	r := NewMessageReader(data)
	if _, err := r.readName(); err == nil {
		t.Fatal("expected forward-pointing compression pointer to be rejected")
	}
}

func TestMessageAppendRequiresTruncatedQuery(t *testing.T) {
	first := &Message{Header: Header{Flags: 0}, Questions: []Question{{Name: "a.local."}}}
	second := &Message{Header: Header{Flags: 0}, Questions: []Question{{Name: "b.local."}}}
	if err := first.Append(second); err == nil {
		t.Fatal("expected Append to fail when first message is not marked truncated")
	}

	first.Header.Flags |= flagTruncated
	if err := first.Append(second); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(first.Questions) != 2 {
		t.Fatalf("expected 2 questions after append, got %d", len(first.Questions))
	}
}

func TestAddressBytesForSlotIPv4MappedEncoding(t *testing.T) {
	ip := net.ParseIP("192.168.1.5")
	b := addressBytesForSlot(ip, TypeAAAA)
	if len(b) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(b))
	}
	for i := 0; i < 12; i++ {
		if b[i] != 0 {
			t.Fatalf("expected zero prefix at byte %d, got %d", i, b[i])
		}
	}
	want := ip.To4()
	for i := 0; i < 4; i++ {
		if b[12+i] != want[i] {
			t.Fatalf("mapped address byte %d: got %d want %d", i, b[12+i], want[i])
		}
	}
}

func TestClampUDPPayload(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, minUDPPayload},
		{100, minUDPPayload},
		{minUDPPayload, minUDPPayload},
		{1460, 1460},
		{maxUDPPayload, maxUDPPayload},
		{65535, maxUDPPayload},
	}
	for _, c := range cases {
		if got := clampUDPPayload(c.in); got != c.want {
			t.Errorf("clampUDPPayload(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestQuestionRoundTrip(t *testing.T) {
	w := NewMessageWriter()
	q := Question{Name: "_http._tcp.local.", Type: TypePTR, Class: ClassIN, Unique: true}
	if err := w.writeQuestion(q); err != nil {
		t.Fatalf("writeQuestion: %v", err)
	}
	r := NewMessageReader(w.buf.Bytes())
	got, err := r.readQuestion()
	if err != nil {
		t.Fatalf("readQuestion: %v", err)
	}
	if !got.Unique || got.Type != TypePTR || !strings.EqualFold(got.Name, q.Name) {
		t.Fatalf("round-tripped question mismatch: %+v", got)
	}
}
