package server

import (
	"context"
	"strings"

	"github.com/glyphlabs/glyph-go/protocol"
)

// ResourceProvider serves URI-addressed resources. A provider is mounted
// under a URI prefix; reads dispatch to the first mount whose prefix
// matches.
type ResourceProvider interface {
	// List enumerates the provider's resources.
	List(ctx context.Context) ([]protocol.Resource, error)

	// Read returns the contents behind a URI the provider serves.
	Read(ctx context.Context, uri string) ([]protocol.ResourceContents, error)
}

// resourceMount pairs a URI prefix with its provider, in registration
// order.
type resourceMount struct {
	prefix   string
	provider ResourceProvider
}

// StaticResource is a fixed resource with in-memory contents, the simplest
// provider.
type StaticResource struct {
	info protocol.Resource
	text string
	blob string
	read func(ctx context.Context, uri string) ([]protocol.ResourceContents, error)
}

// List returns the single descriptor.
func (r *StaticResource) List(_ context.Context) ([]protocol.Resource, error) {
	return []protocol.Resource{r.info}, nil
}

// Read returns the stored contents, or delegates to the read function when
// one was set.
func (r *StaticResource) Read(ctx context.Context, uri string) ([]protocol.ResourceContents, error) {
	if r.read != nil {
		return r.read(ctx, uri)
	}
	return []protocol.ResourceContents{{
		URI:      r.info.URI,
		MimeType: r.info.MimeType,
		Text:     r.text,
		Blob:     r.blob,
	}}, nil
}

// ResourceBuilder provides a fluent API for declaring resources.
type ResourceBuilder struct {
	resource *StaticResource
	server   *Server
	err      error
}

// Name sets the display name.
func (b *ResourceBuilder) Name(name string) *ResourceBuilder {
	b.resource.info.Name = name
	return b
}

// Description sets the resource description.
func (b *ResourceBuilder) Description(desc string) *ResourceBuilder {
	b.resource.info.Description = desc
	return b
}

// MimeType sets the resource MIME type.
func (b *ResourceBuilder) MimeType(mime string) *ResourceBuilder {
	b.resource.info.MimeType = mime
	return b
}

// Text registers the resource with fixed text contents.
func (b *ResourceBuilder) Text(text string) *ResourceBuilder {
	b.resource.text = text
	b.register()
	return b
}

// Blob registers the resource with fixed base64-encoded binary contents.
func (b *ResourceBuilder) Blob(blob string) *ResourceBuilder {
	b.resource.blob = blob
	b.register()
	return b
}

// ReadFunc registers the resource with dynamic contents.
func (b *ResourceBuilder) ReadFunc(fn func(ctx context.Context, uri string) ([]protocol.ResourceContents, error)) *ResourceBuilder {
	b.resource.read = fn
	b.register()
	return b
}

// Err returns the first registration failure, or nil.
func (b *ResourceBuilder) Err() error {
	return b.err
}

func (b *ResourceBuilder) register() {
	if err := b.server.MountResources(b.resource.info.URI, b.resource); err != nil {
		b.err = err
	}
}

// listResources concatenates every mount's list in mount order. Duplicate
// URIs resolve first-registered-wins and the collision is logged.
func (s *Server) listResources(ctx context.Context) ([]protocol.Resource, error) {
	s.mu.RLock()
	mounts := make([]resourceMount, len(s.resources))
	copy(mounts, s.resources)
	s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []protocol.Resource
	for _, m := range mounts {
		items, err := m.provider.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range items {
			if _, dup := seen[r.URI]; dup {
				s.logger.Warn("duplicate resource uri",
					logField("uri", r.URI),
					logField("prefix", m.prefix),
				)
				continue
			}
			seen[r.URI] = struct{}{}
			out = append(out, r)
		}
	}
	if out == nil {
		out = []protocol.Resource{}
	}
	return out, nil
}

// findResourceProvider returns the first mount whose prefix matches uri.
func (s *Server) findResourceProvider(uri string) (ResourceProvider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.resources {
		if strings.HasPrefix(uri, m.prefix) {
			return m.provider, true
		}
	}
	return nil, false
}
