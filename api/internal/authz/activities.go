package authz

const (
	ActivityListGrants       = "ListGrants"
	ActivityAddGrant         = "AddGrant"
	ActivityRevokeGrant      = "RevokeGrant"
	ActivityRevokeAllGrants  = "RevokeAllGrants"
	ActivityViewGrantHistory = "ViewGrantHistory"

	ResourceUser = "User"
)

// Activities is the registry served by the api host.
var Activities = MustCatalog(
	Activity{Name: ActivityListGrants},
	Activity{Name: ActivityAddGrant},
	Activity{Name: ActivityRevokeGrant},
	Activity{Name: ActivityRevokeAllGrants},
	Activity{Name: ActivityViewGrantHistory, ResourceTypes: []string{ResourceUser}},
)
