package mdns

import (
	"bytes"
	"encoding/binary"
	"net"
	"strings"
)

// Flags is the 16-bit DNS header flags field (RFC 1035 §4.1.1).
type Flags uint16

const (
	flagResponse      Flags = 1 << 15
	flagOpcodeMask    Flags = 0x7800
	flagAuthoritative Flags = 1 << 10
	flagTruncated     Flags = 1 << 9
	flagRecursionDes  Flags = 1 << 8
	flagRecursionAvl  Flags = 1 << 7
	flagRcodeMask     Flags = 0x000f
)

func (f Flags) IsResponse() bool      { return f&flagResponse != 0 }
func (f Flags) IsAuthoritative() bool { return f&flagAuthoritative != 0 }
func (f Flags) IsTruncated() bool     { return f&flagTruncated != 0 }

// Header is the fixed 12-byte DNS message header.
type Header struct {
	ID    uint16
	Flags Flags
}

// Message is a decoded (or to-be-encoded) DNS message with its four record
// sections (RFC 1035 §4.1).
type Message struct {
	Header      Header
	Questions   []Question
	Answers     []*Record
	Authorities []*Record
	Additionals []*Record

	// SenderUDPPayload records the max payload the sender advertised via an
	// OPT record, defaulting to defaultUDPPayload when absent (§4.1).
	SenderUDPPayload int
}

func (m *Message) IsQuery() bool { return !m.Header.Flags.IsResponse() }

// Append merges a continuation datagram into a truncated query, per §4.1.
// It fails with MalformedMessage unless both messages are queries and this
// message was marked truncated.
func (m *Message) Append(next *Message) error {
	if !m.IsQuery() || !next.IsQuery() {
		return &MalformedMessage{Reason: "append: both messages must be queries"}
	}
	if !m.Header.Flags.IsTruncated() {
		return &MalformedMessage{Reason: "append: first message is not truncated"}
	}
	m.Questions = append(m.Questions, next.Questions...)
	m.Answers = append(m.Answers, next.Answers...)
	m.Authorities = append(m.Authorities, next.Authorities...)
	m.Additionals = append(m.Additionals, next.Additionals...)
	m.Header.Flags = next.Header.Flags
	return nil
}

// ---- decoding ----------------------------------------------------------

// MessageReader decodes a single UDP payload into a Message. It tracks the
// read cursor directly (mirroring the offset-based parser in JmDNS's
// DNSIncoming) rather than wrapping bytes.Reader, because name decompression
// needs to jump the cursor backwards and then restore it.
type MessageReader struct {
	data   []byte
	cursor int
}

func NewMessageReader(data []byte) *MessageReader {
	return &MessageReader{data: data}
}

func (r *MessageReader) remaining() int { return len(r.data) - r.cursor }

func (r *MessageReader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, &MalformedMessage{Offset: r.cursor, Reason: "truncated: expected 1 byte"}
	}
	b := r.data[r.cursor]
	r.cursor++
	return b, nil
}

func (r *MessageReader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, &MalformedMessage{Offset: r.cursor, Reason: "truncated: expected 2 bytes"}
	}
	v := binary.BigEndian.Uint16(r.data[r.cursor:])
	r.cursor += 2
	return v, nil
}

func (r *MessageReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, &MalformedMessage{Offset: r.cursor, Reason: "truncated: expected 4 bytes"}
	}
	v := binary.BigEndian.Uint32(r.data[r.cursor:])
	r.cursor += 4
	return v, nil
}

func (r *MessageReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, &MalformedMessage{Offset: r.cursor, Reason: "truncated: expected payload bytes"}
	}
	b := r.data[r.cursor : r.cursor+n]
	r.cursor += n
	return b, nil
}

// readName decodes a DNS name starting at the current cursor, following
// compression pointers (RFC 1035 §4.1.4). It rejects any pointer that does
// not strictly decrease the lowest offset visited since the start of this
// name, which prevents infinite compression loops.
func (r *MessageReader) readName() (string, error) {
	var sb strings.Builder
	cursor := r.cursor
	firstLabelOffset := cursor
	jumped := false
	resumeAt := -1

	for {
		if cursor >= len(r.data) {
			return "", &MalformedMessage{Offset: cursor, Reason: "truncated name"}
		}
		lengthByte := r.data[cursor]
		switch lengthByte & 0xC0 {
		case 0x00: // standard label
			length := int(lengthByte)
			cursor++
			if length == 0 {
				if resumeAt >= 0 {
					r.cursor = resumeAt
				} else {
					r.cursor = cursor
				}
				return sb.String(), nil
			}
			if cursor+length > len(r.data) {
				return "", &MalformedMessage{Offset: cursor, Reason: "truncated label"}
			}
			sb.Write(r.data[cursor : cursor+length])
			sb.WriteByte('.')
			cursor += length
		case 0xC0: // compression pointer
			if cursor+1 >= len(r.data) {
				return "", &MalformedMessage{Offset: cursor, Reason: "truncated compression pointer"}
			}
			ptr := (int(lengthByte&0x3F) << 8) | int(r.data[cursor+1])
			if !jumped {
				resumeAt = cursor + 2
			}
			if ptr >= firstLabelOffset {
				return "", &MalformedMessage{Offset: cursor, Reason: "compression pointer does not decrease offset"}
			}
			jumped = true
			cursor = ptr
			firstLabelOffset = ptr
		case 0x40:
			return "", &MalformedMessage{Offset: cursor, Reason: "extended label type not supported"}
		default: // 0x80
			return "", &MalformedMessage{Offset: cursor, Reason: "unknown label type"}
		}
	}
}

// readCharacterString reads a single length-prefixed string (RFC 1035 §3.3).
func (r *MessageReader) readCharacterString() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *MessageReader) readQuestion() (Question, error) {
	name, err := r.readName()
	if err != nil {
		return Question{}, err
	}
	typ, err := r.u16()
	if err != nil {
		return Question{}, err
	}
	class, err := r.u16()
	if err != nil {
		return Question{}, err
	}
	return Question{
		Name:   name,
		Type:   RecordType(typ),
		Class:  Class(class &^ classCacheFlushBit),
		Unique: class&classCacheFlushBit != 0,
	}, nil
}

// readRecord decodes one resource record. Per-record failures are returned
// as *MalformedRecord and are non-fatal: the caller should skip to the
// declared end of the record and continue with the rest of the message.
func (r *MessageReader) readRecord() (*Record, error) {
	name, err := r.readName()
	if err != nil {
		return nil, err // a broken name makes the rest of the message unreadable
	}
	typ, err := r.u16()
	if err != nil {
		return nil, err
	}
	classField, err := r.u16()
	if err != nil {
		return nil, err
	}
	ttl, err := r.u32()
	if err != nil {
		return nil, err
	}
	rdlength, err := r.u16()
	if err != nil {
		return nil, err
	}
	start := r.cursor
	end := start + int(rdlength)
	if end > len(r.data) {
		return nil, &MalformedMessage{Offset: start, Reason: "rdlength exceeds message"}
	}

	rt := RecordType(typ)
	rec := &Record{
		Name:      name,
		Type:      rt,
		Class:     Class(classField &^ classCacheFlushBit),
		Unique:    classField&classCacheFlushBit != 0,
		TTL:       ttl,
		CreatedAt: nowMillis(),
	}
	if rt == TypeOPT {
		rec.Class = Class(classField) // OPT overloads CLASS as sender UDP payload size
		rec.Unique = false
	}

	data, derr := r.readRecordData(rt, ttl, classField, start, end)
	r.cursor = end // always resume at the declared end, even on a per-record error
	if derr != nil {
		return nil, derr
	}
	rec.Data = data
	return rec, nil
}

func (r *MessageReader) readRecordData(rt RecordType, ttl uint32, classField uint16, start, end int) (RecordData, error) {
	switch rt {
	case TypeA, TypeAAAA:
		b, err := r.bytes(end - r.cursor)
		if err != nil {
			return nil, &MalformedRecord{Offset: start, Type: rt, Reason: err.Error()}
		}
		return AddressData{IP: net.IP(append([]byte(nil), b...))}, nil
	case TypePTR, TypeCNAME:
		target, err := r.readName()
		if err != nil {
			return nil, &MalformedRecord{Offset: start, Type: rt, Reason: err.Error()}
		}
		return PointerData{Alias: target}, nil
	case TypeTXT:
		b, err := r.bytes(end - r.cursor)
		if err != nil {
			return nil, &MalformedRecord{Offset: start, Type: rt, Reason: err.Error()}
		}
		return TextData{Raw: append([]byte(nil), b...)}, nil
	case TypeSRV:
		priority, err := r.u16()
		if err != nil {
			return nil, &MalformedRecord{Offset: start, Type: rt, Reason: err.Error()}
		}
		weight, err := r.u16()
		if err != nil {
			return nil, &MalformedRecord{Offset: start, Type: rt, Reason: err.Error()}
		}
		port, err := r.u16()
		if err != nil {
			return nil, &MalformedRecord{Offset: start, Type: rt, Reason: err.Error()}
		}
		target, err := r.readName()
		if err != nil {
			return nil, &MalformedRecord{Offset: start, Type: rt, Reason: err.Error()}
		}
		return ServiceData{Priority: priority, Weight: weight, Port: port, Target: target}, nil
	case TypeHINFO:
		s, err := r.readCharacterString()
		if err != nil {
			return nil, &MalformedRecord{Offset: start, Type: rt, Reason: err.Error()}
		}
		cpu, os := s, ""
		if idx := strings.IndexByte(s, ' '); idx >= 0 {
			cpu, os = s[:idx], strings.TrimSpace(s[idx+1:])
		}
		return HostInfoData{CPU: strings.TrimSpace(cpu), OS: os}, nil
	case TypeOPT:
		opt := OptData{UDPSize: classField}
		for r.cursor+4 <= end {
			code, err := r.u16()
			if err != nil {
				break
			}
			length, err := r.u16()
			if err != nil {
				break
			}
			if r.cursor+int(length) > end {
				break
			}
			val, _ := r.bytes(int(length))
			opt.Options = append(opt.Options, OptOption{Code: code, Value: append([]byte(nil), val...)})
		}
		return opt, nil
	default:
		// Unknown record type: consume the remaining bytes as opaque data so
		// the caller can still skip past it; not an error per §4.1.
		b, _ := r.bytes(end - r.cursor)
		return RawData{Bytes: append([]byte(nil), b...)}, nil
	}
}

// DecodeMessage parses a full UDP payload into a Message. Header decode
// failures and broken names are fatal (MalformedMessage); individual
// record decode failures are logged and the record is skipped.
func DecodeMessage(data []byte, senderPayload int) (*Message, error) {
	r := NewMessageReader(data)
	id, err := r.u16()
	if err != nil {
		return nil, err
	}
	flags, err := r.u16()
	if err != nil {
		return nil, err
	}
	qd, err := r.u16()
	if err != nil {
		return nil, err
	}
	an, err := r.u16()
	if err != nil {
		return nil, err
	}
	ns, err := r.u16()
	if err != nil {
		return nil, err
	}
	ar, err := r.u16()
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Header:           Header{ID: id, Flags: Flags(flags)},
		SenderUDPPayload: senderPayload,
	}

	for i := 0; i < int(qd); i++ {
		q, err := r.readQuestion()
		if err != nil {
			return nil, err
		}
		msg.Questions = append(msg.Questions, q)
	}

	sections := []struct {
		count int
		dest  *[]*Record
	}{
		{int(an), &msg.Answers},
		{int(ns), &msg.Authorities},
		{int(ar), &msg.Additionals},
	}
	for _, sec := range sections {
		for i := 0; i < sec.count; i++ {
			rec, err := r.readRecord()
			if err != nil {
				var malRec *MalformedRecord
				if asMalformedRecord(err, &malRec) {
					logger.Warn("skipping malformed record", "err", err)
					continue
				}
				return nil, err
			}
			if rec.Type == TypeOPT {
				msg.SenderUDPPayload = clampUDPPayload(int(rec.Data.(OptData).UDPSize))
				continue
			}
			*sec.dest = append(*sec.dest, rec)
		}
	}

	return msg, nil
}

// clampUDPPayload bounds a sender-advertised OPT payload size to
// [minUDPPayload, maxUDPPayload] (§4.1), so a malicious or buggy peer can't
// advertise an unworkably small or large value for us to split messages by.
func clampUDPPayload(n int) int {
	if n < minUDPPayload {
		return minUDPPayload
	}
	if n > maxUDPPayload {
		return maxUDPPayload
	}
	return n
}

func asMalformedRecord(err error, target **MalformedRecord) bool {
	mr, ok := err.(*MalformedRecord)
	if ok {
		*target = mr
	}
	return ok
}

// ---- encoding -----------------------------------------------------------

// MessageWriter serializes a Message into wire format, applying name
// compression the way RFC 1035 §4.1.4 allows.
type MessageWriter struct {
	buf         bytes.Buffer
	nameOffsets map[string]int
}

func NewMessageWriter() *MessageWriter {
	return &MessageWriter{nameOffsets: make(map[string]int)}
}

func (w *MessageWriter) Len() int { return w.buf.Len() }

// reserveHeader writes 12 placeholder bytes for the fixed DNS header,
// patched in place by finalizeMessage once the record counts are known.
// Compression offsets recorded by writeName are positions within w.buf, so
// the header must occupy its final position before any name is written --
// otherwise every pointer written would be 12 bytes short of the name's
// actual position in the finished datagram.
func (w *MessageWriter) reserveHeader() {
	w.buf.Write(make([]byte, 12))
}

func (w *MessageWriter) writeU8(v byte)     { w.buf.WriteByte(v) }
func (w *MessageWriter) writeU16(v uint16)  { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); w.buf.Write(b[:]) }
func (w *MessageWriter) writeU32(v uint32)  { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *MessageWriter) writeBytes(b []byte) { w.buf.Write(b) }

// writeName writes a dotted name, compressing against any previously
// written name suffix when possible. Pass compress=false where a raw,
// uncompressed name is required; SRV targets are always written that way.
func (w *MessageWriter) writeName(name string, compress bool) error {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		w.writeU8(0)
		return nil
	}
	labels := strings.Split(name, ".")
	for i := 0; i < len(labels); i++ {
		suffix := strings.ToLower(strings.Join(labels[i:], ".")) + "."
		if compress {
			if off, ok := w.nameOffsets[suffix]; ok {
				w.writeU16(uint16(0xC000 | off))
				return nil
			}
		}
		if w.buf.Len() < 0x4000 {
			w.nameOffsets[suffix] = w.buf.Len()
		}
		label := labels[i]
		if len(label) > 63 {
			return &MalformedMessage{Reason: "label exceeds 63 bytes: " + label}
		}
		w.writeU8(byte(len(label)))
		w.writeBytes([]byte(label))
	}
	w.writeU8(0)
	return nil
}

func (w *MessageWriter) writeCharacterString(s string) error {
	if len(s) > 255 {
		return &MalformedMessage{Reason: "character-string exceeds 255 bytes"}
	}
	w.writeU8(byte(len(s)))
	w.writeBytes([]byte(s))
	return nil
}

func (w *MessageWriter) writeQuestion(q Question) error {
	if err := w.writeName(q.Name, true); err != nil {
		return err
	}
	w.writeU16(uint16(q.Type))
	class := uint16(q.Class)
	if q.Unique {
		class |= classCacheFlushBit
	}
	w.writeU16(class)
	return nil
}

// writeRecord writes a full resource record (name, type, class, ttl,
// rdlength, rdata). slot controls cross-type normalization for Address
// payloads, since the A/AAAA slot written may differ from the payload's
// natural family (§4.1 cross-type normalization).
func (w *MessageWriter) writeRecord(rec *Record, slot RecordType) error {
	if err := w.writeName(rec.Name, true); err != nil {
		return err
	}
	effectiveType := rec.Type
	if slot != 0 {
		effectiveType = slot
	}
	w.writeU16(uint16(effectiveType))
	class := uint16(rec.Class)
	if rec.Unique {
		class |= classCacheFlushBit
	}
	if rec.Type == TypeOPT {
		class = rec.Data.(OptData).UDPSize
	}
	w.writeU16(class)
	w.writeU32(rec.TTL)

	lenPos := w.buf.Len()
	w.writeU16(0) // placeholder, patched below
	dataStart := w.buf.Len()

	if err := w.writeRecordData(rec, effectiveType); err != nil {
		return err
	}

	rdlength := w.buf.Len() - dataStart
	out := w.buf.Bytes()
	binary.BigEndian.PutUint16(out[lenPos:lenPos+2], uint16(rdlength))
	return nil
}

func (w *MessageWriter) writeRecordData(rec *Record, slot RecordType) error {
	switch data := rec.Data.(type) {
	case AddressData:
		w.writeBytes(addressBytesForSlot(data.IP, slot))
	case PointerData:
		return w.writeName(data.Alias, true)
	case TextData:
		w.writeBytes(data.Raw)
	case ServiceData:
		w.writeU16(data.Priority)
		w.writeU16(data.Weight)
		w.writeU16(data.Port)
		return w.writeName(data.Target, false)
	case HostInfoData:
		return w.writeCharacterString(data.CPU + " " + data.OS)
	case OptData:
		for _, opt := range data.Options {
			w.writeU16(opt.Code)
			w.writeU16(uint16(len(opt.Value)))
			w.writeBytes(opt.Value)
		}
	case RawData:
		w.writeBytes(data.Bytes)
	}
	return nil
}

// addressBytesForSlot normalizes an address payload to match the slot
// (A or AAAA) it's being written into, per §4.1's cross-type rule:
// an IPv4 address written into an AAAA slot becomes an IPv4-mapped
// 16-byte address (zero prefix, address in the last 4 bytes); an IPv6
// address written into an A slot is truncated to its trailing 4 bytes.
func addressBytesForSlot(ip net.IP, slot RecordType) []byte {
	v4 := ip.To4()
	switch slot {
	case TypeAAAA:
		if v4 != nil {
			buf := make([]byte, 16)
			copy(buf[12:16], v4)
			return buf
		}
		return ip.To16()
	default: // TypeA
		if v4 != nil {
			return v4
		}
		b16 := ip.To16()
		if len(b16) == 16 {
			return b16[12:16]
		}
		return b16
	}
}

// EncodeMessage serializes a full message. maxPayload bounds each resulting
// datagram; if the total exceeds it, Encode splits the message into
// multiple datagrams, setting TC on all but the last query fragment (§4.4
// Responder).
func EncodeMessage(msg *Message, maxPayload int) ([][]byte, error) {
	if maxPayload <= 0 {
		maxPayload = defaultUDPPayload
	}

	// First try a single datagram; this is the overwhelmingly common case.
	w := NewMessageWriter()
	w.reserveHeader()
	if err := writeFullMessage(w, msg, msg.Answers, msg.Additionals); err == nil && w.Len() <= maxPayload {
		return [][]byte{finalizeMessage(w, msg, len(msg.Answers), len(msg.Additionals), false)}, nil
	}

	// Split: repeat questions/authorities in every datagram, and greedily
	// pack answers (then additionals) across as many datagrams as needed,
	// marking all but the last truncated when this is a query.
	return splitMessage(msg, maxPayload)
}

func writeFullMessage(w *MessageWriter, msg *Message, answers, additionals []*Record) error {
	for _, q := range msg.Questions {
		if err := w.writeQuestion(q); err != nil {
			return err
		}
	}
	for _, rec := range msg.Authorities {
		if err := w.writeRecord(rec, 0); err != nil {
			return err
		}
	}
	for _, rec := range answers {
		if err := w.writeRecord(rec, 0); err != nil {
			return err
		}
	}
	for _, rec := range additionals {
		if err := w.writeRecord(rec, 0); err != nil {
			return err
		}
	}
	return nil
}

func finalizeMessage(w *MessageWriter, msg *Message, numAnswers, numAdditionals int, truncated bool) []byte {
	flags := msg.Header.Flags
	if truncated {
		flags |= flagTruncated
	}
	out := w.buf.Bytes()
	binary.BigEndian.PutUint16(out[0:2], msg.Header.ID)
	binary.BigEndian.PutUint16(out[2:4], uint16(flags))
	binary.BigEndian.PutUint16(out[4:6], uint16(len(msg.Questions)))
	binary.BigEndian.PutUint16(out[6:8], uint16(numAnswers))
	binary.BigEndian.PutUint16(out[8:10], uint16(len(msg.Authorities)))
	binary.BigEndian.PutUint16(out[10:12], uint16(numAdditionals))
	return out
}

func splitMessage(msg *Message, maxPayload int) ([][]byte, error) {
	var out [][]byte
	answers := append([]*Record(nil), msg.Answers...)
	additionals := append([]*Record(nil), msg.Additionals...)

	for {
		w := NewMessageWriter()
		w.reserveHeader()
		for _, q := range msg.Questions {
			if err := w.writeQuestion(q); err != nil {
				return nil, err
			}
		}
		for _, rec := range msg.Authorities {
			if err := w.writeRecord(rec, 0); err != nil {
				return nil, err
			}
		}
		took := 0
		for took < len(answers) {
			trial := NewMessageWriter()
			trial.nameOffsets = cloneOffsets(w.nameOffsets)
			trial.buf.Write(w.buf.Bytes())
			if err := trial.writeRecord(answers[took], 0); err != nil {
				return nil, err
			}
			if trial.Len() > maxPayload && took > 0 {
				break
			}
			w = trial
			took++
		}
		remainingAnswers := answers[took:]

		tookAdd := 0
		for len(remainingAnswers) == 0 && tookAdd < len(additionals) {
			trial := NewMessageWriter()
			trial.nameOffsets = cloneOffsets(w.nameOffsets)
			trial.buf.Write(w.buf.Bytes())
			if err := trial.writeRecord(additionals[tookAdd], 0); err != nil {
				return nil, err
			}
			if trial.Len() > maxPayload && tookAdd > 0 {
				break
			}
			w = trial
			tookAdd++
		}
		remainingAdditionals := additionals[tookAdd:]

		more := len(remainingAnswers) > 0 || len(remainingAdditionals) > 0
		out = append(out, finalizeMessage(w, msg, took, tookAdd, more && msg.IsQuery()))

		answers = remainingAnswers
		additionals = remainingAdditionals
		if !more {
			break
		}
	}
	return out, nil
}

func cloneOffsets(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
