// Package topics implements canonical topic construction and the
// publish/subscribe authorizer. It uses an injected metrics sink
// (pkg/telemetry.Meter) so authorization counters have no process-wide
// mutable globals.
package topics

import (
	"context"
	"strings"

	kverrors "github.com/meshkv/core/pkg/errors"
	"github.com/meshkv/core/pkg/telemetry"
)

// Canonical computes the three canonical topics for a client under
// prefix: P/<client_id>/cmd, P/<client_id>/res, and the shared
// P/replication/events. Anti-entropy digests are exchanged over the
// same replication topic as ordinary events, tagged so a subscriber
// can tell the two apart; there is no separate digest topic.
type Canonical struct {
	Prefix   string
	ClientID string
}

func (c Canonical) Command() string  { return c.Prefix + "/" + c.ClientID + "/cmd" }
func (c Canonical) Response() string { return c.Prefix + "/" + c.ClientID + "/res" }
func (c Canonical) Replication() string {
	return c.Prefix + "/replication/events"
}

func (c Canonical) PeerCommand(id string) string  { return c.Prefix + "/" + id + "/cmd" }
func (c Canonical) PeerResponse(id string) string { return c.Prefix + "/" + id + "/res" }

// ContainsWildcard reports whether a subscription filter contains an
// MQTT wildcard character.
func ContainsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// ownerOf extracts the client id segment from a canonical cmd/res topic
// under prefix, or ok=false if topic doesn't match that shape.
func ownerOf(prefix, topic string) (clientID string, ok bool) {
	rest := strings.TrimPrefix(topic, prefix+"/")
	if rest == topic {
		return "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", false
	}
	if parts[1] != "cmd" && parts[1] != "res" {
		return "", false
	}
	return parts[0], true
}

// Kind classifies a checked operation for the authorizer's counters.
type Kind string

const (
	KindCommand       Kind = "command"
	KindResponse      Kind = "response"
	KindReplication   Kind = "replication"
	KindWildcardDenied Kind = "wildcard_denied"
)

// Permissions gates two capabilities: replication_can_publish_events
// and replication_can_subscribe_events.
type Permissions struct {
	CanPublishReplication   bool
	CanSubscribeReplication bool
}

// Authorizer enforces the allow/deny rules for a single client
// identity under a configured topic prefix.
type Authorizer struct {
	own   Canonical
	perms Permissions
	meter telemetry.Meter
}

// New builds an Authorizer for own (the client's own canonical topic
// set) with the given replication permissions.
func New(own Canonical, perms Permissions, meter telemetry.Meter) *Authorizer {
	return &Authorizer{own: own, perms: perms, meter: meter}
}

// AuthorizePublish checks whether a publish to topic is allowed: only
// the client's own cmd/res topics, or the replication topic when
// publish permission is granted.
func (a *Authorizer) AuthorizePublish(ctx context.Context, topic string) error {
	a.count(ctx, "publish_checks_total", "")
	switch topic {
	case a.own.Command(), a.own.Response():
		return nil
	case a.own.Replication():
		if a.perms.CanPublishReplication {
			return nil
		}
		a.count(ctx, "publish_denied_total", KindReplication)
		return kverrors.NewAuthorization(topic, "replication publish not permitted for this client")
	}
	if _, ok := ownerOf(a.own.Prefix, topic); ok {
		a.count(ctx, "publish_denied_total", KindCommand)
		return kverrors.NewAuthorization(topic, "publish to another client's topic denied")
	}
	a.count(ctx, "publish_denied_total", KindCommand)
	return kverrors.NewAuthorization(topic, "publish outside canonical namespace denied")
}

// AuthorizeSubscribe checks whether a subscribe filter is allowed: no
// wildcards over the canonical namespace, and only the client's own
// cmd/res topics or the replication topic (gated by subscribe
// permission).
func (a *Authorizer) AuthorizeSubscribe(ctx context.Context, filter string) error {
	a.count(ctx, "subscribe_checks_total", "")
	if strings.HasPrefix(filter, a.own.Prefix+"/") && ContainsWildcard(filter) {
		a.count(ctx, "subscribe_denied_total", KindWildcardDenied)
		return kverrors.NewAuthorization(filter, "wildcard subscription over canonical namespace denied")
	}
	switch filter {
	case a.own.Command(), a.own.Response():
		return nil
	case a.own.Replication():
		if a.perms.CanSubscribeReplication {
			return nil
		}
		a.count(ctx, "subscribe_denied_total", KindReplication)
		return kverrors.NewAuthorization(filter, "replication subscribe not permitted for this client")
	}
	a.count(ctx, "subscribe_denied_total", KindCommand)
	return kverrors.NewAuthorization(filter, "subscribe outside canonical namespace denied")
}

func (a *Authorizer) count(ctx context.Context, metric string, kind Kind) {
	if a.meter == nil {
		return
	}
	labels := telemetry.Labels{}
	if kind != "" {
		labels["kind"] = string(kind)
	}
	_ = a.meter.IncCounter(ctx, metric, 1, labels)
}
