package tenant

import (
	"net"
	"strings"
)

const (
	Production = "production"
	Preview    = "preview"
)

// Resolver maps the serving hostname to one of two containers.
type Resolver struct {
	ProductionHost string
	ProductionID   string
	PreviewID      string
}

type Tenant struct {
	Name        string
	ContainerID string
	previewID   string
}

func (r Resolver) Resolve(hostname string) Tenant {
	if r.isProductionHost(hostname) {
		return Tenant{Name: Production, ContainerID: r.ProductionID, previewID: r.PreviewID}
	}
	return Tenant{Name: Preview, ContainerID: r.PreviewID, previewID: r.PreviewID}
}

// PublicContainerID is the container read by the anonymous path.
func (r Resolver) PublicContainerID() string {
	return r.ProductionID
}

func (r Resolver) isProductionHost(hostname string) bool {
	want := normalizeHost(r.ProductionHost)
	if want == "" {
		return false
	}
	return normalizeHost(hostname) == want
}

func (t Tenant) IsProduction() bool {
	return t.Name == Production
}

// Sanitize drops a persisted container id that must not be honored by this
// tenant. A production tenant never accepts the preview id.
func (t Tenant) Sanitize(storedID string) string {
	storedID = strings.TrimSpace(storedID)
	if storedID == "" {
		return ""
	}
	if t.IsProduction() && t.previewID != "" && storedID == t.previewID {
		return ""
	}
	return storedID
}

func normalizeHost(hostname string) string {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if host, _, err := net.SplitHostPort(hostname); err == nil {
		hostname = host
	}
	return strings.TrimSuffix(hostname, ".")
}
