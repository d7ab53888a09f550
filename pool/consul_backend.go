package pool

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/agentmesh/orchestrator/corerr"
)

// ConsulBackend mirrors pool entries into Consul's KV store under a prefix,
// letting multiple orchestrator processes discover the same agent pool
// instead of each holding an independent in-memory view (spec §4.1: the
// pool is process-local by default; this is the optional distributed
// backing store named in the external interfaces). It is deliberately thin:
// Consul is used as a shared key/value blob store, the same role the
// teacher's config loader gives it for configuration keys, rather than
// Consul's own service-catalog/health-check machinery, since pool entries
// already carry their own richer health model.
type ConsulBackend struct {
	client *api.Client
	prefix string
}

// NewConsulBackend dials Consul at address (empty uses the agent's default,
// typically 127.0.0.1:8500) and scopes all keys under prefix.
func NewConsulBackend(address, prefix string) (*ConsulBackend, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, corerr.New(corerr.ExternalServiceError, "pool", "NewConsulBackend", "dial consul", err)
	}
	if prefix == "" {
		prefix = "agentmesh/pool/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ConsulBackend{client: client, prefix: prefix}, nil
}

func (b *ConsulBackend) key(agentID string) string {
	return b.prefix + agentID
}

// Publish writes one agent's current entry to Consul KV.
func (b *ConsulBackend) Publish(e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return corerr.New(corerr.InternalError, "pool", "Publish", "encode entry", err)
	}
	_, err = b.client.KV().Put(&api.KVPair{Key: b.key(e.AgentID), Value: raw}, nil)
	if err != nil {
		return corerr.New(corerr.ExternalServiceError, "pool", "Publish", "write consul kv", err)
	}
	return nil
}

// Withdraw removes an agent's entry from Consul KV, e.g. on clean shutdown.
func (b *ConsulBackend) Withdraw(agentID string) error {
	_, err := b.client.KV().Delete(b.key(agentID), nil)
	if err != nil {
		return corerr.New(corerr.ExternalServiceError, "pool", "Withdraw", "delete consul kv", err)
	}
	return nil
}

// FetchAll lists every agent entry currently published under the prefix.
func (b *ConsulBackend) FetchAll() ([]Entry, error) {
	pairs, _, err := b.client.KV().List(b.prefix, nil)
	if err != nil {
		return nil, corerr.New(corerr.ExternalServiceError, "pool", "FetchAll", "list consul kv", err)
	}
	out := make([]Entry, 0, len(pairs))
	for _, kv := range pairs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, corerr.New(corerr.InternalError, "pool", "FetchAll", fmt.Sprintf("decode entry at %s", kv.Key), err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Sync upserts every entry fetched from Consul into p; entries held locally
// but absent from Consul are left in place. A caller typically runs this on a fixed interval to absorb entries
// published by peer orchestrator processes.
func (p *Pool) Sync(backend *ConsulBackend) error {
	entries, err := backend.FetchAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := p.Upsert(e); err != nil {
			return err
		}
	}
	return nil
}

// PublishLoop periodically publishes every locally-held entry to backend
// until stop is closed, keeping peer processes' views of this process's
// agents current.
func (p *Pool) PublishLoop(backend *ConsulBackend, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, e := range p.List() {
				if err := backend.Publish(e); err != nil {
					p.log.Warn("consul publish failed", "agent_id", e.AgentID, "error", err)
				}
			}
		}
	}
}
