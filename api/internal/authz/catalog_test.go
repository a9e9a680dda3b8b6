package authz

import (
	"testing"

	"github.com/stretchr/testify/require"

	"multitenant-template/api/internal/models"
)

func TestNewCatalog(t *testing.T) {
	c, err := NewCatalog(
		Activity{Name: "FooCommand"},
		Activity{Name: "EditInvoice", ResourceTypes: []string{"Invoice"}},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"EditInvoice", "FooCommand"}, c.Names())

	types, ok := c.ResourceTypes("EditInvoice")
	require.True(t, ok)
	require.Equal(t, []string{"Invoice"}, types)

	_, ok = c.ResourceTypes("Missing")
	require.False(t, ok)
}

func TestNewCatalogRejectsBadEntries(t *testing.T) {
	cases := map[string][]Activity{
		"duplicate":           {{Name: "Foo"}, {Name: "Foo"}},
		"blank name":          {{Name: " "}},
		"blank resource type": {{Name: "Foo", ResourceTypes: []string{""}}},
		"reserved type":       {{Name: "Foo", ResourceTypes: []string{models.GrantTypeActivity}}},
	}
	for name, activities := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewCatalog(activities...)
			require.ErrorIs(t, err, models.ErrInvalidArgument)
		})
	}
}

func TestRegisteredActivities(t *testing.T) {
	types, ok := Activities.ResourceTypes(ActivityViewGrantHistory)
	require.True(t, ok)
	require.Equal(t, []string{ResourceUser}, types)
	require.Contains(t, Activities.Names(), ActivityAddGrant)
}
