package dataclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/polisai/dataharness/pkg/domain"
)

// FirstPart is the name of the first part of an appended file.
const FirstPart = "aaa"

// GuessMimeType derives a media type from a file name's extension.
func GuessMimeType(name string) string {
	t := mime.TypeByExtension(filepath.Ext(name))
	if t == "" {
		return "application/octet-stream"
	}
	if media, _, err := mime.ParseMediaType(t); err == nil {
		return media
	}
	return t
}

// createMeta builds the write metadata for remote. Existing objects keep
// their properties and get a create action; new ones inherit policy and
// security from the parent directory, which is created when missing.
func (c *Client) createMeta(ctx context.Context, remote string, opts WriteOptions) (domain.Object, error) {
	oid, err := c.Find(ctx, remote)
	switch {
	case err == nil:
		props, err := c.Props(ctx, oid)
		if err != nil {
			return domain.Object{}, err
		}
		meta := *props
		meta.Action = domain.ActionCreate
		if len(opts.ObjectPolicy) > 0 {
			meta.ObjectPolicy = opts.ObjectPolicy
		}
		if len(opts.Security) > 0 {
			meta.Security = opts.Security
		}
		if opts.MimeType != "" {
			meta.MimeType = opts.MimeType
		}
		return meta, nil
	case !errors.Is(err, domain.ErrObjectNotFound):
		return domain.Object{}, err
	}

	parentOID, err := c.mkdirAll(ctx, path.Dir(remote), opts)
	if err != nil {
		return domain.Object{}, err
	}

	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = GuessMimeType(remote)
	}
	meta := domain.Object{
		Action:    domain.ActionCreate,
		Name:      path.Base(remote),
		ParentOID: parentOID,
		IsFile:    true,
		MimeType:  mimeType,
	}
	if err := c.inherit(ctx, &meta, parentOID, opts); err != nil {
		return domain.Object{}, err
	}
	return meta, nil
}

// Upload writes r to remote, creating or updating the object.
func (c *Client) Upload(ctx context.Context, r io.Reader, remote string, opts WriteOptions) (*domain.Object, error) {
	remote = CleanPath(remote)
	meta, err := c.createMeta(ctx, remote, opts)
	if err != nil {
		return nil, err
	}

	stored, err := c.Write(ctx, []domain.Object{meta}, &Blob{
		Name:        path.Base(remote),
		ContentType: meta.MimeType,
		Reader:      r,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", remote, err)
	}

	obj := stored[0]
	c.remember(remote, obj.OID)
	c.logger.Info("Uploaded object", "path", remote, "oid", obj.OID, "mimetype", meta.MimeType)
	return &obj, nil
}

// UploadFile uploads a local file. The media type is guessed from the local
// name unless opts sets one.
func (c *Client) UploadFile(ctx context.Context, local, remote string, opts WriteOptions) (*domain.Object, error) {
	f, err := os.Open(local)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer f.Close()

	if opts.MimeType == "" {
		opts.MimeType = GuessMimeType(local)
	}
	return c.Upload(ctx, f, remote, opts)
}

// Content is a fetched object body.
type Content struct {
	Data        []byte
	ContentType string
}

// MediaType is the content type without parameters.
func (ct Content) MediaType() string {
	media, _, err := mime.ParseMediaType(ct.ContentType)
	if err != nil {
		return ct.ContentType
	}
	return media
}

// IsJSON reports whether the body was served as JSON.
func (ct Content) IsJSON() bool {
	media := ct.MediaType()
	return media == "application/json" || strings.HasSuffix(media, "+json")
}

// Text returns the body as a string.
func (ct Content) Text() string {
	return string(ct.Data)
}

// JSON decodes a JSON body into v.
func (ct Content) JSON(v any) error {
	if !ct.IsJSON() {
		return fmt.Errorf("content type %q is not JSON", ct.ContentType)
	}
	if err := json.Unmarshal(ct.Data, v); err != nil {
		return fmt.Errorf("failed to decode content: %w", err)
	}
	return nil
}

// Get reads a whole file into memory.
func (c *Client) Get(ctx context.Context, remote string) (*Content, error) {
	oid, err := c.Find(ctx, remote)
	if err != nil {
		return nil, err
	}
	rc, contentType, err := c.Stream(ctx, oid)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", remote, err)
	}
	return &Content{Data: data, ContentType: contentType}, nil
}

// Download streams remote into the local file, replacing it.
func (c *Client) Download(ctx context.Context, remote, local string) (int64, error) {
	oid, err := c.Find(ctx, remote)
	if err != nil {
		return 0, err
	}
	rc, _, err := c.Stream(ctx, oid)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	f, err := os.Create(local)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", local, err)
	}
	n, err := io.Copy(f, rc)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to download %s: %w", remote, err)
	}
	return n, nil
}

// NextPart returns the part name the next append to remote will use. A
// remote that does not exist yet is created as a directory.
func (c *Client) NextPart(ctx context.Context, remote string, opts WriteOptions) (string, error) {
	remote = CleanPath(remote)
	oid, err := c.Find(ctx, remote)
	if errors.Is(err, domain.ErrObjectNotFound) {
		if _, err := c.mkdirAll(ctx, remote, opts); err != nil {
			return "", err
		}
		return FirstPart, nil
	}
	if err != nil {
		return "", err
	}

	props, err := c.Props(ctx, oid)
	if err != nil {
		return "", err
	}
	if props.IsFile {
		oid = props.ParentOID
	}

	children, err := c.List(ctx, oid)
	if err != nil {
		return "", err
	}
	var names []string
	for _, child := range children {
		if child.IsFile {
			stem, _, _ := strings.Cut(child.Name, ".")
			names = append(names, stem)
		}
	}
	if len(names) == 0 {
		return FirstPart, nil
	}
	sort.Slice(names, func(i, j int) bool { return partLess(names[i], names[j]) })
	return IncrementPart(names[len(names)-1]), nil
}

// partLess orders part counters the way IncrementPart produces them: a
// longer counter comes after every shorter one, so "aaaa" follows "zzz".
func partLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Append stores r as the next part under remote.
func (c *Client) Append(ctx context.Context, r io.Reader, remote string, opts WriteOptions) (*domain.Object, error) {
	remote = CleanPath(remote)
	part, err := c.NextPart(ctx, remote, opts)
	if err != nil {
		return nil, err
	}
	if opts.MimeType == "" {
		opts.MimeType = GuessMimeType(remote)
	}
	return c.Upload(ctx, r, remote+"/"+part, opts)
}

// AppendFile appends a local file as the next part under remote.
func (c *Client) AppendFile(ctx context.Context, local, remote string, opts WriteOptions) (*domain.Object, error) {
	f, err := os.Open(local)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer f.Close()

	if opts.MimeType == "" {
		opts.MimeType = GuessMimeType(local)
	}
	return c.Append(ctx, f, remote, opts)
}

// IncrementPart advances a lowercase part counter: "aaa" to "aab", "aaz" to
// "aba" and "zzz" to "aaaa".
func IncrementPart(s string) string {
	head := strings.TrimRight(s, "z")
	carried := len(s) - len(head)

	var next string
	if head == "" {
		next = "a"
	} else {
		last := head[len(head)-1]
		next = head[:len(head)-1] + string(last+1)
	}
	return next + strings.Repeat("a", carried)
}
