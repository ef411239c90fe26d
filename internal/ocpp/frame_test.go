package ocpp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeCall(t *testing.T) {
	msg, err := Decode([]byte(`[2,"19223201","BootNotification",{"chargePointVendor":"VendorX","chargePointModel":"ModelY"}]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	call, ok := msg.(*Call)
	if !ok {
		t.Fatalf("expected *Call, got %T", msg)
	}
	if call.UniqueID != "19223201" || call.Action != "BootNotification" {
		t.Fatalf("unexpected call: %+v", call)
	}
	var payload map[string]string
	if err := json.Unmarshal(call.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["chargePointVendor"] != "VendorX" {
		t.Fatalf("payload not preserved: %v", payload)
	}
}

func TestDecodeCallResultAndError(t *testing.T) {
	msg, err := Decode([]byte(`[3,"abc",{"status":"Accepted"}]`))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if msg.MessageType() != CallResultType || msg.ID() != "abc" {
		t.Fatalf("unexpected result: %+v", msg)
	}

	msg, err = Decode([]byte(`[4,"abc","NotSupported","nope",{"hint":"x"}]`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	ce := msg.(*CallError)
	if ce.Code != NotSupported || ce.Description != "nope" {
		t.Fatalf("unexpected call error: %+v", ce)
	}
	if ce.Err().Details["hint"] != "x" {
		t.Fatalf("details not decoded: %+v", ce.Err())
	}

	if _, err := Decode([]byte(`[4,"abc","GenericError","no details"]`)); err != nil {
		t.Fatalf("call error without details: %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name       string
		frame      string
		id         string
		code       ErrorCode
		answerable bool
	}{
		{"not json", `hello`, "", FormationViolation, true},
		{"object", `{"a":1}`, "", FormationViolation, true},
		{"empty array", `[]`, "", FormationViolation, true},
		{"too short", `[2,"1"]`, "1", FormationViolation, true},
		{"short result", `[3,"r1"]`, "r1", FormationViolation, false},
		{"bare error type", `[4]`, "", FormationViolation, false},
		{"bad type", `["2","1","Heartbeat",{}]`, "", FormationViolation, true},
		{"empty id", `[2,"","Heartbeat",{}]`, "", FormationViolation, true},
		{"numeric id", `[2,1,"Heartbeat",{}]`, "", FormationViolation, true},
		{"long id", `[2,"0123456789012345678901234567890123456789","Heartbeat",{}]`, "", FormationViolation, true},
		{"call missing payload", `[2,"7","Heartbeat"]`, "7", FormationViolation, true},
		{"call array payload", `[2,"7","Heartbeat",[]]`, "7", FormationViolation, true},
		{"call empty action", `[2,"7","",{}]`, "7", FormationViolation, true},
		{"unknown type", `[9,"8",{}]`, "8", ProtocolError, true},
		{"result too long", `[3,"9",{},{}]`, "9", FormationViolation, false},
		{"error bad code", `[4,"9",1,"x",{}]`, "9", FormationViolation, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("expected malformed frame, got %v", err)
			}
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FrameError, got %T", err)
			}
			if fe.UniqueID != tc.id {
				t.Fatalf("unique id = %q, want %q", fe.UniqueID, tc.id)
			}
			if fe.Code != tc.code {
				t.Fatalf("code = %s, want %s", fe.Code, tc.code)
			}
			if fe.Answerable() != tc.answerable {
				t.Fatalf("answerable = %v, want %v", fe.Answerable(), tc.answerable)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	res, err := NewCallResult("42", HeartbeatConfirmation{})
	if err != nil {
		t.Fatalf("new result: %v", err)
	}
	data, err := Encode(res)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `[3,"42",{"currentTime":null}]` {
		t.Fatalf("unexpected frame %s", data)
	}

	data, err = Encode(&Call{UniqueID: "1", Action: "Reset"})
	if err != nil {
		t.Fatalf("encode call: %v", err)
	}
	if string(data) != `[2,"1","Reset",{}]` {
		t.Fatalf("unexpected call frame %s", data)
	}

	data, err = Encode(NewCallError("5", errors.New("boom")))
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if string(data) != `[4,"5","InternalError","internal error",{}]` {
		t.Fatalf("unexpected error frame %s", data)
	}
}

func TestEncodeDecodeCallError(t *testing.T) {
	src := NewCallError("x1", NewError(PropertyConstraintViolation, "connectorId must be > 0"))
	data, err := Encode(src)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := msg.(*CallError)
	if got.Code != src.Code || got.Description != src.Description || got.UniqueID != "x1" {
		t.Fatalf("got %+v, want %+v", got, src)
	}
}
