package gist

import (
	"context"
	"errors"
	"strings"
)

// ReadFiles and WriteFiles adapt the client to the one-container-per-tenant
// document store.
func (c *HTTPClient) ReadFiles(ctx context.Context, containerID, token string) (map[string]string, error) {
	g, err := c.Get(ctx, containerID, token)
	if err != nil {
		return nil, err
	}
	return g.Contents(), nil
}

func (c *HTTPClient) WriteFiles(ctx context.Context, containerID, token string, changes map[string]*string) error {
	_, err := c.Update(ctx, containerID, token, changes)
	return err
}

// Provisioner resolves the container a freshly authenticated session should
// use, creating a private gist when none is configured or discoverable.
type Provisioner struct {
	Client      *HTTPClient
	Description string
	SeedFile    string
}

func (p Provisioner) EnsureContainer(ctx context.Context, token, configuredID, tenantName string) (string, error) {
	if p.Client == nil {
		return "", errors.New("gist client is required")
	}
	if id := strings.TrimSpace(configuredID); id != "" {
		return id, nil
	}
	description := p.description(tenantName)
	gists, err := p.Client.List(ctx, token)
	if err != nil {
		return "", err
	}
	for _, g := range gists {
		if g.Description == description {
			return g.ID, nil
		}
	}
	seed := p.SeedFile
	if seed == "" {
		seed = "checklists-registry.json"
	}
	created, err := p.Client.Create(ctx, token, description, false, map[string]string{
		seed: `{"checklists":[]}`,
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (p Provisioner) description(tenantName string) string {
	base := strings.TrimSpace(p.Description)
	if base == "" {
		base = "gistdb document store"
	}
	if tenantName == "" {
		return base
	}
	return base + " (" + tenantName + ")"
}
