package contextaware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

type fakeBridge struct {
	responses map[string]json.RawMessage
}

func (f *fakeBridge) Dispatch(ctx context.Context, req callback.Request) callback.Response {
	var key struct {
		APIVersion string `json:"apiVersion"`
		Kind       string `json:"kind"`
	}
	_ = json.Unmarshal(req.Payload, &key)
	payload, ok := f.responses[key.APIVersion+"/"+key.Kind]
	if !ok {
		return callback.Response{Payload: json.RawMessage(`[]`)}
	}
	return callback.Response{Payload: payload}
}

func unstructuredList(t *testing.T, objs ...map[string]interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("cannot marshal fixture: %v", err)
	}
	return raw
}

func TestAllowListKeyIsOrderInsensitive(t *testing.T) {
	a := []settings.ContextAwareResource{{APIVersion: "v1", Kind: "Pod"}, {APIVersion: "v1", Kind: "ConfigMap"}}
	b := []settings.ContextAwareResource{{APIVersion: "v1", Kind: "ConfigMap"}, {APIVersion: "v1", Kind: "Pod"}}
	if AllowListKey(a) != AllowListKey(b) {
		t.Errorf("AllowListKey should not depend on allow-list order")
	}
}

func TestPluralName(t *testing.T) {
	tests := map[string]string{
		"Pod":       "pods",
		"Ingress":   "ingresses",
		"ConfigMap": "configmaps",
	}
	for kind, want := range tests {
		if got := pluralName(kind); got != want {
			t.Errorf("pluralName(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestFlatMapKeysByPlural(t *testing.T) {
	bridge := &fakeBridge{responses: map[string]json.RawMessage{
		"v1/Pod": unstructuredList(t, map[string]interface{}{
			"metadata": map[string]interface{}{"name": "pod-a", "namespace": "default"},
		}),
	}}
	p := NewProvider(bridge, []settings.ContextAwareResource{{APIVersion: "v1", Kind: "Pod"}})

	data, err := p.FlatMap(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := data["pods"]; !ok {
		t.Errorf("expected flat map to be keyed by plural name, got keys %v", data)
	}
}

func TestInventoryTreeSeparatesClusterAndNamespaceScoped(t *testing.T) {
	bridge := &fakeBridge{responses: map[string]json.RawMessage{
		"v1/Pod": unstructuredList(t, map[string]interface{}{
			"metadata": map[string]interface{}{"name": "pod-a", "namespace": "default"},
		}),
		"v1/Namespace": unstructuredList(t, map[string]interface{}{
			"metadata": map[string]interface{}{"name": "default"},
		}),
	}}
	p := NewProvider(bridge, []settings.ContextAwareResource{
		{APIVersion: "v1", Kind: "Pod"},
		{APIVersion: "v1", Kind: "Namespace"},
	})

	tree, err := p.InventoryTree(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	namespaceTree, ok := tree["namespace"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a namespace section, got %+v", tree)
	}
	defaultNS, ok := namespaceTree["default"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected default namespace entry, got %+v", namespaceTree)
	}
	group, ok := defaultNS[""].(map[string]interface{})
	if !ok {
		t.Fatalf("expected core group entry, got %+v", defaultNS)
	}
	if _, ok := group["Pod"]; !ok {
		t.Errorf("expected Pod kind entry under namespace/default, got %+v", group)
	}

	clusterTree, ok := tree["cluster"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a cluster section, got %+v", tree)
	}
	clusterGroup, ok := clusterTree[""].(map[string]interface{})
	if !ok {
		t.Fatalf("expected core group entry in cluster section, got %+v", clusterTree)
	}
	if _, ok := clusterGroup["Namespace"]; !ok {
		t.Errorf("expected Namespace kind entry under cluster, got %+v", clusterGroup)
	}
}

func TestInventoryCacheServesFreshEntryWithoutRefetch(t *testing.T) {
	calls := 0
	bridge := &countingBridge{calls: &calls}
	p := NewProvider(bridge, []settings.ContextAwareResource{{APIVersion: "v1", Kind: "Pod"}})

	cache := NewInventoryCache(time.Hour)
	key := AllowListKey(p.allowList)

	if _, err := cache.Get(context.Background(), key, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.Get(context.Background(), key, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one fetch for a fresh entry, got %d", calls)
	}
}

func TestInventoryCacheRefreshesStaleEntry(t *testing.T) {
	calls := 0
	bridge := &countingBridge{calls: &calls}
	p := NewProvider(bridge, []settings.ContextAwareResource{{APIVersion: "v1", Kind: "Pod"}})

	cache := NewInventoryCache(0)
	key := AllowListKey(p.allowList)

	if _, err := cache.Get(context.Background(), key, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.Get(context.Background(), key, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected a zero freshness window to refetch every call, got %d calls", calls)
	}
}

type countingBridge struct {
	calls *int
}

func (c *countingBridge) Dispatch(ctx context.Context, req callback.Request) callback.Response {
	*c.calls++
	return callback.Response{Payload: json.RawMessage(`[]`)}
}
