// Package authz answers "may this user perform this activity" from explicit
// grants, activity-group grants and a static activity catalog.
package authz

import (
	"fmt"
	"sort"
	"strings"

	"multitenant-template/api/internal/models"
)

// Activity is a named operation. Resource-scoped activities list the resource
// types a caller must also hold grants for when a resource id is supplied.
type Activity struct {
	Name          string
	ResourceTypes []string
}

// Catalog is the fixed set of activities known to the process.
type Catalog struct {
	activities map[string][]string
}

func NewCatalog(activities ...Activity) (*Catalog, error) {
	c := &Catalog{activities: make(map[string][]string, len(activities))}
	for _, a := range activities {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, &models.ArgumentError{Name: "activity", Reason: "name is required"}
		}
		if _, dup := c.activities[name]; dup {
			return nil, &models.ArgumentError{Name: "activity", Reason: fmt.Sprintf("%q registered twice", name)}
		}
		types := make([]string, 0, len(a.ResourceTypes))
		for _, rt := range a.ResourceTypes {
			rt = strings.TrimSpace(rt)
			if rt == "" || rt == models.GrantTypeActivity || rt == models.GrantTypeActivityGroup {
				return nil, &models.ArgumentError{Name: "activity", Reason: fmt.Sprintf("%q has invalid resource type %q", name, rt)}
			}
			types = append(types, rt)
		}
		c.activities[name] = types
	}
	return c, nil
}

// MustCatalog is NewCatalog for package-level registries.
func MustCatalog(activities ...Activity) *Catalog {
	c, err := NewCatalog(activities...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) ResourceTypes(activity string) ([]string, bool) {
	types, ok := c.activities[activity]
	return types, ok
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.activities))
	for name := range c.activities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) snapshot() map[string][]string {
	out := make(map[string][]string, len(c.activities))
	for name, types := range c.activities {
		out[name] = types
	}
	return out
}
