package auth

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/langchou/csms/internal/ocpp"
)

const tagYAML = `
default_status: Invalid
tags:
  - id_tag: TAG1
  - id_tag: BLOCKED1
    status: Blocked
  - id_tag: CHILD
    status: Accepted
    parent_id_tag: FLEET
    expiry: 2024-06-01T00:00:00Z
`

func TestTagList(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	list, err := ParseTagList([]byte(tagYAML), clk)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if list.Len() != 3 {
		t.Fatalf("len = %d", list.Len())
	}

	cases := []struct {
		tag  string
		want ocpp.AuthorizationStatus
	}{
		{"TAG1", ocpp.AuthorizationAccepted},
		{"tag1", ocpp.AuthorizationAccepted},
		{"BLOCKED1", ocpp.AuthorizationBlocked},
		{"CHILD", ocpp.AuthorizationAccepted},
		{"NOPE", ocpp.AuthorizationInvalid},
	}
	for _, tc := range cases {
		info, err := list.Authorize(context.Background(), "CP_1", tc.tag)
		if err != nil {
			t.Fatalf("authorize %s: %v", tc.tag, err)
		}
		if info.Status != tc.want {
			t.Fatalf("%s: status = %s, want %s", tc.tag, info.Status, tc.want)
		}
	}

	info, _ := list.Authorize(context.Background(), "CP_1", "CHILD")
	if info.ParentIdTag != "FLEET" || info.ExpiryDate == nil {
		t.Fatalf("unexpected info %+v", info)
	}

	clk.Advance(60 * 24 * time.Hour)
	info, _ = list.Authorize(context.Background(), "CP_1", "CHILD")
	if info.Status != ocpp.AuthorizationExpired {
		t.Fatalf("status after expiry = %s", info.Status)
	}
}

func TestParseTagListErrors(t *testing.T) {
	bad := []string{
		"tags: [{status: Accepted}]",
		"tags: [{id_tag: A, status: Maybe}]",
		"default_status: Sometimes",
		"tags: {",
	}
	for _, doc := range bad {
		if _, err := ParseTagList([]byte(doc), nil); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}

func TestAcceptAll(t *testing.T) {
	info, err := AcceptAll{}.Authorize(context.Background(), "CP_1", "anything")
	if err != nil || info.Status != ocpp.AuthorizationAccepted {
		t.Fatalf("accept all: %+v %v", info, err)
	}
}
