package dataclient

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/polisai/dataharness/pkg/domain"
)

// CleanPath normalises a remote path to the cache key form "/a/b".
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// Refresh rebuilds the path cache by walking the tree from the root object.
func (c *Client) Refresh(ctx context.Context) error {
	tree := make(map[string]string)
	visited := map[string]bool{domain.RootOID: true}
	if err := c.walk(ctx, "", domain.RootOID, tree, visited); err != nil {
		return fmt.Errorf("failed to refresh hierarchy: %w", err)
	}

	c.mu.Lock()
	c.hierarchy = tree
	c.mu.Unlock()

	c.logger.Debug("Refreshed hierarchy", "objects", len(tree))
	return nil
}

func (c *Client) walk(ctx context.Context, prefix, oid string, tree map[string]string, visited map[string]bool) error {
	objs, err := c.List(ctx, oid)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		p := prefix + "/" + obj.Name
		tree[p] = obj.OID
		if obj.IsFile || visited[obj.OID] {
			continue
		}
		visited[obj.OID] = true
		if err := c.walk(ctx, p, obj.OID, tree, visited); err != nil {
			return err
		}
	}
	return nil
}

// Hierarchy returns a copy of the path cache.
func (c *Client) Hierarchy() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.hierarchy))
	for k, v := range c.hierarchy {
		out[k] = v
	}
	return out
}

// Paths lists cached paths in order.
func (c *Client) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.hierarchy))
	for k := range c.hierarchy {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Client) lookup(p string) (string, bool) {
	if p == "/" {
		return domain.RootOID, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	oid, ok := c.hierarchy[p]
	return oid, ok
}

func (c *Client) remember(p, oid string) {
	c.mu.Lock()
	c.hierarchy[p] = oid
	c.mu.Unlock()
}

// Find resolves a path to an object id, refreshing the cache once on a miss.
func (c *Client) Find(ctx context.Context, p string) (string, error) {
	p = CleanPath(p)
	if oid, ok := c.lookup(p); ok {
		return oid, nil
	}
	if err := c.Refresh(ctx); err != nil {
		return "", err
	}
	if oid, ok := c.lookup(p); ok {
		return oid, nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrObjectNotFound, p)
}

// WriteOptions carries the policy fields applied to created objects. Empty
// fields are inherited from the parent directory.
type WriteOptions struct {
	ObjectPolicy []byte
	Security     []byte
	MimeType     string
}

// MkdirAll creates every missing directory along p and returns the oid of
// the last one.
func (c *Client) MkdirAll(ctx context.Context, p string, opts WriteOptions) (string, error) {
	p = CleanPath(p)
	oid, err := c.Find(ctx, p)
	if err == nil {
		return oid, nil
	}
	if !errors.Is(err, domain.ErrObjectNotFound) {
		return "", err
	}
	return c.mkdirAll(ctx, p, opts)
}

// mkdirAll works from the cache, which Find has just refreshed.
func (c *Client) mkdirAll(ctx context.Context, p string, opts WriteOptions) (string, error) {
	if oid, ok := c.lookup(p); ok {
		return oid, nil
	}

	parentOID, err := c.mkdirAll(ctx, path.Dir(p), opts)
	if err != nil {
		return "", err
	}

	meta := domain.Object{
		Action:    domain.ActionUpdate,
		Name:      path.Base(p),
		ParentOID: parentOID,
	}
	if err := c.inherit(ctx, &meta, parentOID, opts); err != nil {
		return "", err
	}

	stored, err := c.Write(ctx, []domain.Object{meta}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", p, err)
	}
	oid := stored[0].OID
	c.remember(p, oid)
	c.logger.Info("Created directory", "path", p, "oid", oid)
	return oid, nil
}

// inherit fills policy and security from opts, falling back to the parent.
func (c *Client) inherit(ctx context.Context, meta *domain.Object, parentOID string, opts WriteOptions) error {
	meta.ObjectPolicy = opts.ObjectPolicy
	meta.Security = opts.Security
	if len(meta.ObjectPolicy) > 0 && len(meta.Security) > 0 {
		return nil
	}

	parent, err := c.Props(ctx, parentOID)
	if err != nil {
		return fmt.Errorf("failed to read parent %s: %w", parentOID, err)
	}
	if len(meta.ObjectPolicy) == 0 {
		meta.ObjectPolicy = parent.ObjectPolicy
	}
	if len(meta.Security) == 0 {
		meta.Security = parent.Security
	}
	return nil
}
