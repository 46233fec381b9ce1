package topics

import (
	"context"
	"testing"

	kverrors "github.com/meshkv/core/pkg/errors"
)

func testAuthorizer(perms Permissions) *Authorizer {
	return New(Canonical{Prefix: "P", ClientID: "C"}, perms, nil)
}

func TestAuthorizePublish_OwnCmdAndResAllowed(t *testing.T) {
	a := testAuthorizer(Permissions{})
	if err := a.AuthorizePublish(context.Background(), "P/C/cmd"); err != nil {
		t.Fatalf("expected own cmd publish allowed: %v", err)
	}
	if err := a.AuthorizePublish(context.Background(), "P/C/res"); err != nil {
		t.Fatalf("expected own res publish allowed: %v", err)
	}
}

func TestAuthorizePublish_OtherClientDenied(t *testing.T) {
	a := testAuthorizer(Permissions{})
	err := a.AuthorizePublish(context.Background(), "P/X/cmd")
	if err == nil || kverrors.CodeOf(err) != kverrors.Authorization {
		t.Fatalf("expected authorization denial for other client's topic, got %v", err)
	}
}

func TestAuthorizePublish_ReplicationGatedByPermission(t *testing.T) {
	denied := testAuthorizer(Permissions{CanPublishReplication: false})
	if err := denied.AuthorizePublish(context.Background(), "P/replication/events"); err == nil {
		t.Fatalf("expected replication publish denied without permission")
	}
	allowed := testAuthorizer(Permissions{CanPublishReplication: true})
	if err := allowed.AuthorizePublish(context.Background(), "P/replication/events"); err != nil {
		t.Fatalf("expected replication publish allowed with permission: %v", err)
	}
}

func TestAuthorizeSubscribe_WildcardOverCanonicalNamespaceDenied(t *testing.T) {
	a := testAuthorizer(Permissions{CanSubscribeReplication: true})
	if err := a.AuthorizeSubscribe(context.Background(), "P/+/cmd"); err == nil {
		t.Fatalf("expected wildcard subscribe denied")
	}
	if err := a.AuthorizeSubscribe(context.Background(), "P/#"); err == nil {
		t.Fatalf("expected wildcard subscribe denied")
	}
}

func TestAuthorizeSubscribe_OwnAndReplicationAllowed(t *testing.T) {
	a := testAuthorizer(Permissions{CanSubscribeReplication: true})
	for _, topic := range []string{"P/C/cmd", "P/C/res", "P/replication/events"} {
		if err := a.AuthorizeSubscribe(context.Background(), topic); err != nil {
			t.Fatalf("expected %s allowed: %v", topic, err)
		}
	}
}

func TestCanonical_TopicShapes(t *testing.T) {
	c := Canonical{Prefix: "meshkv", ClientID: "device-1"}
	if c.Command() != "meshkv/device-1/cmd" {
		t.Fatalf("unexpected command topic: %s", c.Command())
	}
	if c.Response() != "meshkv/device-1/res" {
		t.Fatalf("unexpected response topic: %s", c.Response())
	}
	if c.Replication() != "meshkv/replication/events" {
		t.Fatalf("unexpected replication topic: %s", c.Replication())
	}
}
