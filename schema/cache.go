package schema

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Cache memoizes built schemas per signature. Concurrent first use of the same
// signature may build twice; only one result is kept and both are equivalent.
type Cache struct {
	registry *Registry
	schemas  *xsync.MapOf[*OperationSignature, *WireSchema]
}

func NewCache(reg *Registry) *Cache {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Cache{
		registry: reg,
		schemas:  xsync.NewMapOf[*OperationSignature, *WireSchema](),
	}
}

func (c *Cache) Registry() *Registry { return c.registry }

// Get returns the schema of sig, building it on first use.
func (c *Cache) Get(sig *OperationSignature) (*WireSchema, error) {
	if ws, ok := c.schemas.Load(sig); ok {
		return ws, nil
	}
	ws, err := Build(c.registry, sig)
	if err != nil {
		return nil, err
	}
	actual, _ := c.schemas.LoadOrStore(sig, ws)
	return actual, nil
}

// Len returns the number of cached schemas.
func (c *Cache) Len() int { return c.schemas.Size() }
