// Package plans maps billing price ids to plans and plans to release sizing.
// A Catalog is loaded once at process start and is read-only afterwards.
package plans

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrUnknownPlan = errors.New("unknown plan")

// Sizing is the per-plan resource envelope passed to the release.
type Sizing struct {
	StorageSize string `yaml:"storage_size"`
	Replicas    int    `yaml:"replicas"`
	CPU         string `yaml:"cpu"`
	Memory      string `yaml:"memory"`
}

// Plan is one sellable tier.
type Plan struct {
	Name     string   `yaml:"name"`
	PriceIDs []string `yaml:"price_ids"`
	Sizing   Sizing   `yaml:"sizing"`
}

type catalogFile struct {
	DefaultPlan string `yaml:"default_plan"`
	Plans       []Plan `yaml:"plans"`
}

// Catalog is an immutable plan lookup table.
type Catalog struct {
	defaultPlan string
	plans       map[string]Plan
	byPrice     map[string]string
}

// Default mirrors the tiers sold at launch.
func Default() *Catalog {
	c, err := New("starter", []Plan{
		{Name: "starter", Sizing: Sizing{StorageSize: "10Gi", Replicas: 1, CPU: "250m", Memory: "512Mi"}},
		{Name: "basic", Sizing: Sizing{StorageSize: "20Gi", Replicas: 1, CPU: "500m", Memory: "1Gi"}},
		{Name: "pro", Sizing: Sizing{StorageSize: "100Gi", Replicas: 2, CPU: "1", Memory: "2Gi"}},
		{Name: "museum", Sizing: Sizing{StorageSize: "1Ti", Replicas: 3, CPU: "2", Memory: "4Gi"}},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// New validates plans and builds a catalog.
func New(defaultPlan string, plans []Plan) (*Catalog, error) {
	c := &Catalog{
		defaultPlan: defaultPlan,
		plans:       make(map[string]Plan, len(plans)),
		byPrice:     make(map[string]string),
	}
	for _, p := range plans {
		if p.Name == "" {
			return nil, errors.New("plan name is required")
		}
		if _, dup := c.plans[p.Name]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.Name)
		}
		if p.Sizing.Replicas <= 0 {
			p.Sizing.Replicas = 1
		}
		if p.Sizing.StorageSize == "" {
			p.Sizing.StorageSize = "20Gi"
		}
		for _, price := range p.PriceIDs {
			if other, dup := c.byPrice[price]; dup {
				return nil, fmt.Errorf("price %q mapped to both %q and %q", price, other, p.Name)
			}
			c.byPrice[price] = p.Name
		}
		c.plans[p.Name] = p
	}
	if _, ok := c.plans[defaultPlan]; !ok {
		return nil, fmt.Errorf("default plan %q: %w", defaultPlan, ErrUnknownPlan)
	}
	return c, nil
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	return New(f.DefaultPlan, f.Plans)
}

// Get returns a plan by name.
func (c *Catalog) Get(name string) (Plan, error) {
	p, ok := c.plans[name]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	return p, nil
}

// Resolve picks the plan for an event: an explicit known plan name wins,
// then the price id mapping, then the default plan.
func (c *Catalog) Resolve(planName, priceID string) Plan {
	if p, ok := c.plans[planName]; ok {
		return p
	}
	if name, ok := c.byPrice[priceID]; ok {
		return c.plans[name]
	}
	return c.plans[c.defaultPlan]
}

// Names lists plan names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.plans))
	for n := range c.plans {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
