// Package routing maps outbox messages to Kafka clusters and topics.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const DefaultClusterName = "default"

type Cluster struct {
	Brokers  []string `json:"brokers"`
	ClientID string   `json:"client_id"`
}

// Route pins a tenant to a named cluster.
type Route struct {
	TenantID string `json:"tenant_id"`
	Cluster  string `json:"cluster"`
}

type Config struct {
	DefaultCluster string             `json:"default_cluster"`
	DefaultTopic   string             `json:"default_topic"`
	TopicMap       map[string]string  `json:"topic_map"`
	Clusters       map[string]Cluster `json:"clusters"`
	Routes         []Route            `json:"routes"`
}

type Resolver struct {
	Config     Config
	routeIndex map[string]string
}

// Load reads a routes file. Routes are keyed by tenant id.
func Load(path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Resolver{}, errors.New("routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Resolver{}, fmt.Errorf("parse routes config: %w", err)
	}
	return New(cfg)
}

// Single routes everything to one cluster built from brokers.
func Single(brokers []string, clientID string, defaultTopic string) (Resolver, error) {
	return New(Config{
		DefaultCluster: DefaultClusterName,
		DefaultTopic:   defaultTopic,
		Clusters: map[string]Cluster{
			DefaultClusterName: {Brokers: brokers, ClientID: clientID},
		},
	})
}

func New(cfg Config) (Resolver, error) {
	if len(cfg.Clusters) == 0 {
		return Resolver{}, errors.New("routes config must define clusters")
	}
	for name, cluster := range cfg.Clusters {
		if len(cluster.Brokers) == 0 {
			return Resolver{}, fmt.Errorf("cluster %q must define brokers", name)
		}
	}
	index := make(map[string]string, len(cfg.Routes))
	for _, route := range cfg.Routes {
		key := routeKey(route.TenantID)
		if key == "" {
			return Resolver{}, errors.New("route must include tenant_id")
		}
		if _, ok := cfg.Clusters[route.Cluster]; !ok {
			return Resolver{}, fmt.Errorf("route references unknown cluster %q", route.Cluster)
		}
		if _, exists := index[key]; exists {
			return Resolver{}, fmt.Errorf("duplicate route for tenant_id=%q", route.TenantID)
		}
		index[key] = route.Cluster
	}
	if cfg.DefaultCluster != "" {
		if _, ok := cfg.Clusters[cfg.DefaultCluster]; !ok {
			return Resolver{}, fmt.Errorf("default_cluster %q not found in clusters", cfg.DefaultCluster)
		}
	}
	return Resolver{Config: cfg, routeIndex: index}, nil
}

func (r Resolver) ResolveCluster(tenantID string) (string, bool) {
	if v, ok := r.routeIndex[routeKey(tenantID)]; ok {
		return v, true
	}
	if r.Config.DefaultCluster != "" {
		return r.Config.DefaultCluster, true
	}
	return "", false
}

func (r Resolver) Cluster(name string) (Cluster, bool) {
	c, ok := r.Config.Clusters[name]
	return c, ok
}

// ResolveTopic picks the Kafka topic for a message. A point-to-point
// destination wins; published messages go through the topic map by body type.
func (r Resolver) ResolveTopic(bodyType string, destination string) string {
	if strings.TrimSpace(destination) != "" {
		return strings.TrimSpace(destination)
	}
	if r.Config.TopicMap != nil {
		if v, ok := r.Config.TopicMap[strings.TrimSpace(bodyType)]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if strings.TrimSpace(r.Config.DefaultTopic) != "" {
		return strings.TrimSpace(r.Config.DefaultTopic)
	}
	return strings.TrimSpace(bodyType)
}

func routeKey(tenantID string) string {
	return strings.ToLower(strings.TrimSpace(tenantID))
}
