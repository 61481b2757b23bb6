package plans

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
default_plan: starter
plans:
  - name: starter
    price_ids: [price_starter_m, price_starter_y]
    sizing:
      storage_size: 10Gi
      replicas: 1
  - name: pro
    price_ids: [price_pro_m]
    sizing:
      storage_size: 100Gi
      replicas: 2
      cpu: "1"
      memory: 2Gi
`

func TestParse_AndResolve(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"pro", "starter"}, c.Names())
	assert.Equal(t, "pro", c.Resolve("", "price_pro_m").Name)
	assert.Equal(t, "starter", c.Resolve("", "price_starter_y").Name)
	assert.Equal(t, "pro", c.Resolve("pro", "price_starter_m").Name, "explicit plan wins")
	assert.Equal(t, "starter", c.Resolve("enterprise", "price_unknown").Name, "falls back to default")

	pro, err := c.Get("pro")
	require.NoError(t, err)
	assert.Equal(t, 2, pro.Sizing.Replicas)
	assert.Equal(t, "100Gi", pro.Sizing.StorageSize)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	_, err = c.Get("starter")
	assert.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("gold", []Plan{{Name: "starter"}})
	assert.True(t, errors.Is(err, ErrUnknownPlan))

	_, err = New("a", []Plan{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)

	_, err = New("a", []Plan{
		{Name: "a", PriceIDs: []string{"p1"}},
		{Name: "b", PriceIDs: []string{"p1"}},
	})
	assert.Error(t, err)

	c, err := New("a", []Plan{{Name: "a"}})
	require.NoError(t, err)
	p, _ := c.Get("a")
	assert.Equal(t, 1, p.Sizing.Replicas, "replicas default to one")
}

func TestDefault(t *testing.T) {
	c := Default()
	museum, err := c.Get("museum")
	require.NoError(t, err)
	assert.Equal(t, "1Ti", museum.Sizing.StorageSize)
	assert.Equal(t, "starter", c.Resolve("", "").Name)

	_, err = c.Get("gold")
	assert.True(t, errors.Is(err, ErrUnknownPlan))
}
