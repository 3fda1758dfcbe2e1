package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/danmuck/edgebus/internal/testutil/testlog"
)

func TestRoundTripEncodeDecode(t *testing.T) {
	testlog.Start(t)
	cases := []Envelope{
		NewSend("pcs.status", "reply-1", map[string]string{"k": "v"}, json.RawMessage(`{"message":"add"}`)),
		NewSend("pcs.status", "", nil, nil),
		NewPublish("news.feed", nil, json.RawMessage(`[1,2,3]`)),
		NewRegister("news.feed", map[string]string{"auth": "t"}),
		NewUnregister("news.feed", nil),
		NewPing(),
		{Type: TypeMessage, Address: "a.b", Body: json.RawMessage(`"text"`)},
		{Type: TypeErr, Address: "reply-1", FailureCode: 7, FailureType: "RECIPIENT_FAILURE", Message: "boom"},
	}
	for _, in := range cases {
		payload, err := Encode(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in.Type, err)
		}
		out, err := Decode(payload)
		if err != nil {
			t.Fatalf("decode %s: %v", in.Type, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("round-trip mismatch: got=%+v want=%+v", out, in)
		}
	}
}

func TestEncodeRequiresTypeAndAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(Envelope{Address: "a"}); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
	for _, typ := range []Type{TypeSend, TypePublish, TypeRegister, TypeUnregister, TypeMessage} {
		if _, err := Encode(Envelope{Type: typ}); !errors.Is(err, ErrMissingAddress) {
			t.Fatalf("type=%s expected ErrMissingAddress, got %v", typ, err)
		}
	}
	if _, err := Encode(Envelope{Type: "bogus", Address: "a"}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := Encode(NewPing()); err != nil {
		t.Fatalf("ping should not need an address: %v", err)
	}
}

func TestEncodeRejectsInvalidBody(t *testing.T) {
	testlog.Start(t)
	env := NewSend("a", "", nil, json.RawMessage(`{"open":`))
	if _, err := Encode(env); !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("expected ErrInvalidBody, got %v", err)
	}
}

func TestEncodeOmitsEmptyOptionalFields(t *testing.T) {
	testlog.Start(t)
	payload, err := Encode(NewPublish("news", nil, nil))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := string(payload)
	for _, key := range []string{"replyAddress", "headers", "body", "failureCode"} {
		if strings.Contains(got, key) {
			t.Fatalf("unexpected key %q in %s", key, got)
		}
	}
}

func TestDecodeOrErrorMalformedJSON(t *testing.T) {
	testlog.Start(t)
	env, ok := DecodeOrError([]byte(`{not json`))
	if ok {
		t.Fatalf("expected synthetic err envelope")
	}
	if env.Type != TypeErr {
		t.Fatalf("unexpected type: %q", env.Type)
	}
	if !strings.HasPrefix(env.FailureType, ErrMalformed.Error()) {
		t.Fatalf("unexpected failure type: %q", env.FailureType)
	}
	if env.Message != `{not json` {
		t.Fatalf("unexpected message: %q", env.Message)
	}
}

func TestDecodeOrErrorMissingAddressKeepsType(t *testing.T) {
	testlog.Start(t)
	env, ok := DecodeOrError([]byte(`{"type":"message","body":1}`))
	if ok {
		t.Fatalf("expected synthetic err envelope")
	}
	if env.Type != TypeErr || !strings.Contains(env.FailureType, "missing address") {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestDecodeErrWithoutAddress(t *testing.T) {
	testlog.Start(t)
	env, err := Decode([]byte(`{"type":"err","failureCode":-1,"failureType":"TIMEOUT","message":"no handlers"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.IsError() || env.FailureCode != -1 || env.Message != "no handlers" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestMergeHeadersCallValueWins(t *testing.T) {
	testlog.Start(t)
	defaults := map[string]string{"auth": "default", "tenant": "a"}
	call := map[string]string{"auth": "call", "trace": "x"}
	got := MergeHeaders(defaults, call)
	want := map[string]string{"auth": "call", "tenant": "a", "trace": "x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge mismatch: got=%v want=%v", got, want)
	}
	if defaults["auth"] != "default" || len(call) != 2 {
		t.Fatalf("inputs were modified: defaults=%v call=%v", defaults, call)
	}
	if MergeHeaders(nil, nil) != nil {
		t.Fatalf("expected nil for empty inputs")
	}
}

func TestMarshalBody(t *testing.T) {
	testlog.Start(t)
	raw, err := MarshalBody(map[string]string{"message": "add"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"message":"add"}` {
		t.Fatalf("unexpected body: %s", raw)
	}
	if raw, err := MarshalBody(nil); err != nil || raw != nil {
		t.Fatalf("nil body: raw=%s err=%v", raw, err)
	}
	if _, err := MarshalBody(json.RawMessage(`{`)); !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("expected ErrInvalidBody, got %v", err)
	}
	if _, err := MarshalBody(func() {}); !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("expected ErrInvalidBody for func, got %v", err)
	}
}
