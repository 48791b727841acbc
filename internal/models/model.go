package models

import "sort"

// FreeTokenID is the token marker meaning "no entitlement check needed".
const FreeTokenID int64 = -1

// Model describes a generation model offered to callers.
type Model struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Price        float64  `json:"price"`
	Featured     bool     `json:"featured,omitempty"`
	Free         bool     `json:"free"` // Free models never hit the entitlement oracle
}

// Catalog is the immutable set of models known to the service.
type Catalog struct {
	models map[string]Model
	order  []string
}

// NewCatalog builds a catalog, keeping the given order for listings.
func NewCatalog(models ...Model) *Catalog {
	c := &Catalog{models: make(map[string]Model, len(models))}
	for _, m := range models {
		if _, exists := c.models[m.ID]; !exists {
			c.order = append(c.order, m.ID)
		}
		c.models[m.ID] = m
	}
	return c
}

// Get looks up a model by ID.
func (c *Catalog) Get(id string) (Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

// List returns all models in catalog order.
func (c *Catalog) List() []Model {
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

// IDs returns all model IDs in catalog order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// DefaultCatalog returns the models shipped with the service.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Model{
			ID:           "basic",
			Name:         "Assistant",
			Description:  "Web3 & Blockchain",
			Capabilities: []string{"Blockchain Concepts", "Wallet Integration", "Gas Basics"},
			Free:         true,
		},
		Model{
			ID:           "auditor",
			Name:         "Auditor",
			Description:  "Security Analysis",
			Capabilities: []string{"Vulnerability Detection", "Gas Analysis", "Best Practices", "Detailed Reports"},
			Price:        79.99,
			Featured:     true,
		},
		Model{
			ID:           "developer",
			Name:         "Developer",
			Description:  "Code Generation",
			Capabilities: []string{"Contract Generation", "Security Patterns", "Gas Optimization", "Documentation"},
			Price:        49.99,
			Featured:     true,
		},
	)
}

// TokenMapping is the static model -> token ID table.
type TokenMapping map[string]int64

// DefaultTokenMapping mirrors the deployed contract's token layout.
func DefaultTokenMapping() TokenMapping {
	return TokenMapping{
		"auditor":   0,
		"developer": 1,
	}
}

// Lookup returns the token ID for a model.
func (t TokenMapping) Lookup(modelID string) (int64, bool) {
	id, ok := t[modelID]
	return id, ok
}

// ModelIDs returns the mapped model IDs sorted alphabetically.
func (t TokenMapping) ModelIDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
