package realtime

import (
	"context"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T, server *mr.Miniredis, instanceID string) *RedisBridge {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bridge, err := NewRedisBridge(RedisBridgeConfig{Client: client, Channel: "test:realtime", InstanceID: instanceID})
	require.NoError(t, err)
	return bridge
}

func runBridge(t *testing.T, bridge *RedisBridge, target LocalDeliverer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx, target)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForSubscribers(t *testing.T, server *mr.Miniredis, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return server.PubSubNumSub("test:realtime")["test:realtime"] == count
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBridgeDeliversAcrossInstances(t *testing.T) {
	server, err := mr.Run()
	require.NoError(t, err)
	defer server.Close()

	registryA := NewRegistry(RegistryConfig{})
	registryB := NewRegistry(RegistryConfig{})
	bridgeA := newTestBridge(t, server, "instance-a")
	bridgeB := newTestBridge(t, server, "instance-b")
	relayA := newTestRelay(t, registryA, RelayConfig{Forwarder: bridgeA})
	relayB := newTestRelay(t, registryB, RelayConfig{Forwarder: bridgeB})
	runBridge(t, bridgeA, relayA)
	runBridge(t, bridgeB, relayB)
	waitForSubscribers(t, server, 2)

	local := mustRegister(t, registryA, "local")
	remote := mustRegister(t, registryB, "remote")
	mustJoin(t, registryA, local.ID(), "doc-1")
	mustJoin(t, registryB, remote.ID(), "doc-1")

	require.NoError(t, relayA.Publish(context.Background(), mustEdit(t, "doc-1", "shared"), ""))

	received := receive(t, remote)
	require.Equal(t, EventKindEdit, received.Kind)
	require.Equal(t, "shared", received.Edit.Content)

	// the local member gets exactly one copy; the bridge skips its own origin
	require.Equal(t, "shared", receive(t, local).Edit.Content)
	time.Sleep(50 * time.Millisecond)
	expectNothing(t, local)
}

func TestRedisBridgeHonorsExclusionAndRejectsGarbage(t *testing.T) {
	server, err := mr.Run()
	require.NoError(t, err)
	defer server.Close()

	registry := NewRegistry(RegistryConfig{})
	relay := newTestRelay(t, registry, RelayConfig{})
	runBridge(t, newTestBridge(t, server, "instance-b"), relay)
	waitForSubscribers(t, server, 1)

	excluded := mustRegister(t, registry, "excluded")
	included := mustRegister(t, registry, "included")
	mustJoin(t, registry, excluded.ID(), "doc-1")
	mustJoin(t, registry, included.ID(), "doc-1")

	publisher := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer publisher.Close()
	sender, err := NewRedisBridge(RedisBridgeConfig{Client: publisher, Channel: "test:realtime", InstanceID: "instance-a"})
	require.NoError(t, err)

	server.Publish("test:realtime", "not json")
	require.NoError(t, sender.Forward(context.Background(), mustEdit(t, "doc-1", "from a"), excluded.ID()))

	require.Equal(t, "from a", receive(t, included).Edit.Content)
	time.Sleep(50 * time.Millisecond)
	expectNothing(t, excluded)
}

func TestNewRedisBridgeValidatesConfig(t *testing.T) {
	_, err := NewRedisBridge(RedisBridgeConfig{InstanceID: "a"})
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	_, err = NewRedisBridge(RedisBridgeConfig{Client: client})
	require.Error(t, err)
}
