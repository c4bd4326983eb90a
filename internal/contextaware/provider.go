// Package contextaware builds the Kubernetes resource context Rego
// policies read through the `data` document: a flat, plural-keyed map for
// OPA, and an inventory tree for Gatekeeper. Grounded on
// burrego/src/host_callbacks.rs and kwctl's gatekeeper-inventory wiring
// (filtered out of the retrieval pack, so the flat-map/tree shapes below
// are derived directly from the resource-context requirements).
package contextaware

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

// Provider requests each allowed resource's full listing over the
// Callback Bridge and shapes it per Rego flavor. It holds no cluster
// state of its own; InventoryCache is the process-wide caching layer
// built on top of it for the Gatekeeper shape.
type Provider struct {
	bridge    callback.Bridge
	allowList []settings.ContextAwareResource
}

// NewProvider builds a Provider scoped to one policy's allow-list.
func NewProvider(bridge callback.Bridge, allowList []settings.ContextAwareResource) *Provider {
	return &Provider{bridge: bridge, allowList: allowList}
}

// AllowListKey returns a stable, order-insensitive key identifying a set
// of allowed resources, used by InventoryCache to key its cache entries
// (policies sharing an identical allow-list share one inventory fetch).
func AllowListKey(allowList []settings.ContextAwareResource) string {
	keys := make([]string, 0, len(allowList))
	for _, r := range allowList {
		keys = append(keys, r.APIVersion+"/"+r.Kind)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p *Provider) listOne(ctx context.Context, r settings.ContextAwareResource) ([]unstructured.Unstructured, error) {
	payload, err := json.Marshal(callback.KubernetesListRequest{APIVersion: r.APIVersion, Kind: r.Kind})
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal list request")
	}

	resp := p.bridge.Dispatch(ctx, callback.Request{Kind: callback.KindKubernetesList, Payload: payload})
	if resp.Err != nil {
		return nil, errors.Wrapf(resp.Err, "cannot list %s/%s", r.APIVersion, r.Kind)
	}

	var items []unstructured.Unstructured
	if err := json.Unmarshal(resp.Payload, &items); err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s/%s listing", r.APIVersion, r.Kind)
	}
	return items, nil
}

// pluralName maps a Kind to the REST resource name the `data` document
// indexes by. There is no dedicated discovery capability on the Callback
// Bridge (its Kind set is fixed to the seven callback_requests.rs
// variants), so this uses the same naive lowercase-plural convention the
// list/get capabilities themselves use to build a GroupVersionResource --
// the two must agree, since this is the plural a real cluster's discovery
// would return for the common case.
func pluralName(kind string) string {
	lower := strings.ToLower(kind)
	if strings.HasSuffix(lower, "s") {
		return lower + "es"
	}
	return lower + "s"
}

func apiGroup(apiVersion string) string {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return ""
	}
	return gv.Group
}

// FlatMap builds the OPA-flavored `data` document: a plain object keyed
// by each allowed resource's plural name, valued with the full listing.
func (p *Provider) FlatMap(ctx context.Context) (map[string]interface{}, error) {
	data := make(map[string]interface{}, len(p.allowList))
	for _, r := range p.allowList {
		items, err := p.listOne(ctx, r)
		if err != nil {
			return nil, err
		}
		data[pluralName(r.Kind)] = items
	}
	return data, nil
}

// InventoryTree builds the Gatekeeper-flavored inventory:
// {cluster: {apiGroup: {kind: {name: object}}}, namespace: {ns: {apiGroup: {kind: {name: object}}}}}.
// Namespace scoping is read off each object's own metadata, not declared
// up front, since the allow-list only names apiVersion/kind.
func (p *Provider) InventoryTree(ctx context.Context) (map[string]interface{}, error) {
	cluster := map[string]interface{}{}
	namespaced := map[string]interface{}{}

	for _, r := range p.allowList {
		items, err := p.listOne(ctx, r)
		if err != nil {
			return nil, err
		}
		group := apiGroup(r.APIVersion)

		for _, item := range items {
			name := item.GetName()
			ns := item.GetNamespace()
			obj := item.Object

			if ns == "" {
				insertByGroupKind(cluster, group, r.Kind, name, obj)
				continue
			}
			nsTree, ok := namespaced[ns].(map[string]interface{})
			if !ok {
				nsTree = map[string]interface{}{}
				namespaced[ns] = nsTree
			}
			insertByGroupKind(nsTree, group, r.Kind, name, obj)
		}
	}

	return map[string]interface{}{
		"cluster":   cluster,
		"namespace": namespaced,
	}, nil
}

func insertByGroupKind(tree map[string]interface{}, group, kind, name string, obj interface{}) {
	groupTree, ok := tree[group].(map[string]interface{})
	if !ok {
		groupTree = map[string]interface{}{}
		tree[group] = groupTree
	}
	kindTree, ok := groupTree[kind].(map[string]interface{})
	if !ok {
		kindTree = map[string]interface{}{}
		groupTree[kind] = kindTree
	}
	kindTree[name] = obj
}
