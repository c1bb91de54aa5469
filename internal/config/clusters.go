package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// GPUBlock describes one GPU flavour available on a cluster.
type GPUBlock struct {
	Partition string `yaml:"partition"`
	Gres      string `yaml:"gres"`
	MaxTime   string `yaml:"max_time"`
	Mem       string `yaml:"mem"`
}

// Cluster is one per-cluster block from the clusters YAML file.
type Cluster struct {
	Name      string              `yaml:"name"`
	Host      string              `yaml:"host"`
	Partition string              `yaml:"partition"`
	BindPaths []string            `yaml:"bind_paths"`
	ImagePath string              `yaml:"image_path"`
	LibPaths  []string            `yaml:"lib_paths"`
	ProxyPort int                 `yaml:"proxy_port"`
	GPUs      map[string]GPUBlock `yaml:"gpus"`
}

type clustersFile struct {
	Clusters []Cluster `yaml:"clusters"`
}

// Clusters holds the loaded per-cluster blocks, keyed by cluster name.
var Clusters map[string]Cluster

// LoadClusters reads the clusters YAML file. A missing file is an error:
// the broker cannot do anything without at least one cluster.
func LoadClusters(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read clusters file %s: %w", path, err)
	}
	var cf clustersFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse clusters file %s: %w", path, err)
	}
	if len(cf.Clusters) == 0 {
		return fmt.Errorf("clusters file %s defines no clusters", path)
	}

	Clusters = make(map[string]Cluster, len(cf.Clusters))
	for _, c := range cf.Clusters {
		if c.Name == "" || c.Host == "" {
			return fmt.Errorf("clusters file %s: cluster entry missing name or host", path)
		}
		Clusters[c.Name] = c
	}
	return nil
}

// ClusterNames returns the configured cluster names in stable order.
func ClusterNames() []string {
	names := make([]string, 0, len(Clusters))
	for name := range Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetCluster looks up a cluster block by name.
func GetCluster(name string) (Cluster, bool) {
	c, ok := Clusters[name]
	return c, ok
}
