package shared

import "strings"

// DefaultTenant is the sentinel tenant used when a caller has not
// established a tenant of its own.
const DefaultTenant = "default"

// TenantOrDefault normalises a tenant identifier, falling back to the
// sentinel when the caller supplied nothing.
func TenantOrDefault(tenant string) string {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return DefaultTenant
	}
	return tenant
}
