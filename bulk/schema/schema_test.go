package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/errors"
)

func productType(t *testing.T) (*Registry, *EntityType) {
	t.Helper()
	reg := NewRegistry()
	et := &EntityType{
		Name:  "product",
		Table: "products",
		Fields: []Field{
			{Name: "sku", Kind: KindString, Required: true},
			{Name: "name", Kind: KindString, Required: true},
			{Name: "price", Kind: KindFloat},
			{Name: "stock", Kind: KindInt},
			{Name: "active", Kind: KindBool},
			{Name: "released_at", Kind: KindTime},
			{Name: "category", Relation: "category"},
		},
	}
	require.NoError(t, reg.Register(et))
	return reg, et
}

func TestRegisterResolvesColumns(t *testing.T) {
	_, et := productType(t)

	assert.Equal(t, "id", et.IDColumn)

	f, ok := et.Field("sku")
	require.True(t, ok)
	assert.Equal(t, "sku", f.Column())

	// relation fields store into the _id column and answer to both names
	rel, ok := et.Field("category")
	require.True(t, ok)
	assert.Equal(t, "category_id", rel.Column())
	assert.Equal(t, KindInt, rel.Kind)
	byCol, ok := et.Field("category_id")
	require.True(t, ok)
	assert.Same(t, rel, byCol)
}

func TestRegistryGet(t *testing.T) {
	reg, et := productType(t)

	got, err := reg.Get("product")
	require.NoError(t, err)
	assert.Same(t, et, got)

	_, err = reg.Get("widget")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEntityTypeUnknown))
}

func TestRegistryDuplicate(t *testing.T) {
	reg, _ := productType(t)
	err := reg.Register(&EntityType{Name: "product", Table: "products"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestValidateNormalizes(t *testing.T) {
	_, et := productType(t)

	rec, err := et.Validate(Record{
		"sku":         "A-1",
		"name":        "Widget",
		"price":       float64(9.99),
		"stock":       float64(12), // JSON decoder delivers numbers as float64
		"active":      true,
		"released_at": "2026-01-15T00:00:00Z",
		"category":    float64(3),
	})
	require.NoError(t, err)

	assert.Equal(t, "A-1", rec["sku"])
	assert.Equal(t, int64(12), rec["stock"])
	assert.Equal(t, 9.99, rec["price"])
	assert.Equal(t, int64(3), rec["category_id"])
	_, hasRelName := rec["category"]
	assert.False(t, hasRelName)

	released, ok := rec["released_at"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, 2026, released.Year())
}

func TestValidateErrors(t *testing.T) {
	_, et := productType(t)

	_, err := et.Validate(Record{"name": "Widget"})
	require.EqualError(t, err, `missing required field "sku"`)

	_, err = et.Validate(Record{"sku": "A", "name": "W", "color": "red"})
	require.EqualError(t, err, `unknown field "color"`)

	_, err = et.Validate(Record{"sku": "A", "name": "W", "stock": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected integer")

	_, err = et.Validate(Record{"sku": "A", "name": "W", "price": "free"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected number")

	// required fields reject explicit null
	_, err = et.Validate(Record{"sku": nil, "name": "W"})
	require.EqualError(t, err, `missing required field "sku"`)
}

func TestValidatePartial(t *testing.T) {
	_, et := productType(t)

	// required fields may be absent, type checks still apply
	rec, err := et.ValidatePartial(Record{"id": float64(3), "price": 2.5})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec["id"])
	assert.Equal(t, 2.5, rec["price"])

	_, err = et.ValidatePartial(Record{"stock": "many"})
	require.Error(t, err)
}

func TestValidatePassesIDColumn(t *testing.T) {
	_, et := productType(t)

	rec, err := et.Validate(Record{"id": float64(7), "sku": "A", "name": "W"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec["id"])
}

func TestResolveColumns(t *testing.T) {
	_, et := productType(t)

	cols, err := et.ResolveColumns([]string{"sku", "category"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sku", "category_id"}, cols)

	_, err = et.ResolveColumns([]string{"nope"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}
