// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package wsframe

import (
	"errors"
	"strings"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
	"proxycore.dev/fault"
)

func TestReassemble(t *testing.T) {
	key := [4]byte{1, 1, 2, 3}
	r := &Reassembler{}

	m, err := r.Add(NewFrame(OpText, false, []byte("A"), &key))
	if m != nil || err != nil {
		t.Fatalf("first fragment: got %v %v", m, err)
	}
	m, err = r.Add(NewFrame(OpContinuation, true, []byte("B"), &key))
	if err != nil || m == nil {
		t.Fatalf("final fragment: got %v %v", m, err)
	}
	if string(m.Payload) != "AB" || m.Opcode != OpText || m.Frames != 2 || m.Size != 2 {
		t.Fatalf("message: %+v", m)
	}
	if r.Pending() {
		t.Fatalf("message still pending")
	}
}

func TestControlBetweenFragments(t *testing.T) {
	r := &Reassembler{}
	r.Add(NewFrame(OpText, false, []byte("A"), nil))

	ping, err := r.Add(NewFrame(OpPing, true, []byte("p"), nil))
	if err != nil || ping == nil || ping.Opcode != OpPing || string(ping.Payload) != "p" {
		t.Fatalf("ping: %v %v", ping, err)
	}
	if r.Pending() {
		t.Fatalf("unfinished message survived a control frame")
	}
	if r.Orphaned != 1 {
		t.Fatalf("orphaned: got %d, want 1", r.Orphaned)
	}

	m, err := r.Add(NewFrame(OpContinuation, true, []byte("B"), nil))
	if m != nil || !errors.Is(err, fault.ParseDegraded) {
		t.Fatalf("continuation after control frame: got %v %v", m, err)
	}
	if r.Completed != 1 {
		t.Fatalf("completed: got %d, want 1", r.Completed)
	}
}

func TestOrphaned(t *testing.T) {
	r := &Reassembler{}
	r.Add(NewFrame(OpText, false, []byte("lost"), nil))

	m, err := r.Add(NewFrame(OpText, true, []byte("next"), nil))
	if err != nil || m == nil || string(m.Payload) != "next" {
		t.Fatalf("message: %v %v", m, err)
	}
	if r.Orphaned != 1 {
		t.Fatalf("orphaned: got %d, want 1", r.Orphaned)
	}

	_, err = r.Add(NewFrame(OpContinuation, true, []byte("stray"), nil))
	if !errors.Is(err, fault.ParseDegraded) {
		t.Fatalf("stray continuation: got %v", err)
	}
}

func TestTruncated(t *testing.T) {
	r := &Reassembler{MaxMessageBytes: 4}
	r.Add(NewFrame(OpBinary, false, []byte("abc"), nil))
	m, _ := r.Add(NewFrame(OpContinuation, true, []byte("def"), nil))
	if string(m.Payload) != "abcd" || !m.Truncated || m.Size != 6 {
		t.Fatalf("message: payload %q truncated %v size %d", m.Payload, m.Truncated, m.Size)
	}
}

func TestDecoderSplit(t *testing.T) {
	key := [4]byte{4, 3, 2, 1}
	var stream []byte
	stream = NewFrame(OpText, false, []byte("hel"), &key).Append(stream)
	stream = NewFrame(OpContinuation, true, []byte("lo"), &key).Append(stream)
	stream = NewFrame(OpPong, true, nil, &key).Append(stream)
	stream = NewFrame(OpClose, true, []byte{0x03, 0xe8, 'o', 'k'}, &key).Append(stream)

	for step := 1; step <= len(stream); step++ {
		d := NewDecoder(ClientToServer, 0)
		var msgs []*Message
		for i := 0; i < len(stream); i += step {
			_, ms, err := d.Feed(stream[i:min(i+step, len(stream))])
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
			msgs = append(msgs, ms...)
		}
		if len(msgs) != 3 {
			t.Fatalf("step %d: got %d messages, want 3", step, len(msgs))
		}
		if string(msgs[0].Payload) != "hello" || msgs[1].Opcode != OpPong || msgs[2].CloseCode != 1000 {
			t.Fatalf("step %d: messages %q %v %d", step, msgs[0].Payload, msgs[1].Opcode, msgs[2].CloseCode)
		}
		if d.Buffered() != 0 {
			t.Fatalf("step %d: %d bytes left buffered", step, d.Buffered())
		}
	}
}

func TestDecoderSteps(t *testing.T) {
	// A text frame using the 16-bit length form for a 5 byte payload. The
	// wire size must follow the bytes received, not a re-encoding.
	loose := []byte{0x81, 126, 0, 5, 'h', 'e', 'l', 'l', 'o'}
	var stream []byte
	stream = append(stream, loose...)
	stream = NewFrame(OpBinary, false, []byte("ab"), nil).Append(stream)
	stream = NewFrame(OpContinuation, true, []byte("c"), nil).Append(stream)

	d := NewDecoder(ServerToClient, 0)
	steps, err := d.Steps(stream[:len(stream)-1])
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].Wire != len(loose) || string(steps[0].Message.Payload) != "hello" {
		t.Fatalf("first step: wire %d message %+v", steps[0].Wire, steps[0].Message)
	}
	if steps[1].Wire != 4 || steps[1].Message != nil {
		t.Fatalf("second step: wire %d message %+v", steps[1].Wire, steps[1].Message)
	}

	steps, err = d.Steps(stream[len(stream)-1:])
	if err != nil || len(steps) != 1 {
		t.Fatalf("last step: %v %v", steps, err)
	}
	if steps[0].Wire != 3 || string(steps[0].Message.Payload) != "abc" {
		t.Fatalf("last step: wire %d message %+v", steps[0].Wire, steps[0].Message)
	}
}

func TestDecoderStickyFailure(t *testing.T) {
	d := NewDecoder(ServerToClient, 0)
	if _, _, err := d.Feed([]byte{0x09, 0}); err == nil {
		t.Fatalf("expected failure")
	}
	_, _, err := d.Feed(Encode(NewFrame(OpText, true, []byte("ok"), nil)))
	if !errors.Is(err, fault.ParseDegraded) {
		t.Fatalf("decoder recovered: %v", err)
	}
}

func TestPreview(t *testing.T) {
	var pb []byte
	pb = protowire.AppendTag(pb, 1, protowire.VarintType)
	pb = protowire.AppendVarint(pb, 150)
	pb = protowire.AppendTag(pb, 2, protowire.BytesType)
	pb = protowire.AppendString(pb, "name")

	for _, tt := range []struct {
		m    *Message
		want string
	}{
		{&Message{Opcode: OpText, Payload: []byte(`{ "a" : [1, 2] }`)}, `json {"a":[1,2]}`},
		{&Message{Opcode: OpText, Payload: []byte("plain text")}, "plain text"},
		{&Message{Opcode: OpBinary, Payload: pb}, `protobuf 1:varint=150 2:string="name"`},
		{&Message{Opcode: OpBinary, Payload: []byte{0xff, 0xff}}, "binary 2 bytes ffff"},
		{&Message{Opcode: OpClose, CloseCode: 1001, CloseReason: "away"}, "close 1001 away"},
	} {
		if got := tt.m.Preview(64); got != tt.want {
			t.Errorf("preview: got %q, want %q", got, tt.want)
		}
	}

	long := &Message{Opcode: OpText, Payload: []byte(strings.Repeat("z", 100))}
	if got := long.Preview(10); got != strings.Repeat("z", 10)+"..." {
		t.Errorf("truncated preview: got %q", got)
	}

	m := &Message{Opcode: OpText, Payload: []byte(`{"user":{"id":7}}`)}
	if m.JSON("user.id").Int() != 7 {
		t.Errorf("json lookup failed")
	}
}
