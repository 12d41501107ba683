package dataclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/dataharness/pkg/domain"
)

// SelfInfo is the caller's identity as the data service sees it.
type SelfInfo struct {
	Label   string              `json:"label"`
	Values  map[string][]string `json:"values"`
	Issuer  string              `json:"iss"`
	Expires int64               `json:"exp"`
}

// Identity returns the label and values as a domain identity.
func (s SelfInfo) Identity() domain.Identity {
	return domain.Identity{Label: s.Label, Values: s.Values}
}

// Blob is the content part of a write.
type Blob struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// SelfRaw returns the unparsed body of the self endpoint.
func (c *Client) SelfRaw(ctx context.Context) (_ []byte, err error) {
	ctx, span := c.startSpan(ctx, "self")
	defer func() { endSpan(span, err) }()

	body, _, err := c.getBytes(ctx, "self", "/self")
	return body, err
}

// Self returns the caller's identity.
func (c *Client) Self(ctx context.Context) (*SelfInfo, error) {
	body, err := c.SelfRaw(ctx)
	if err != nil {
		return nil, err
	}
	var info SelfInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode self: %w", err)
	}
	return &info, nil
}

// List returns the children of a directory object.
func (c *Client) List(ctx context.Context, oid string) (_ []domain.Object, err error) {
	ctx, span := c.startSpan(ctx, "list", attribute.String("object.id", oid))
	defer func() { endSpan(span, err) }()

	body, _, err := c.getBytes(ctx, "list", "/list/"+oid+"/")
	if err != nil {
		return nil, err
	}
	var objs []domain.Object
	if err := json.Unmarshal(body, &objs); err != nil {
		return nil, fmt.Errorf("failed to decode listing of %s: %w", oid, err)
	}
	return objs, nil
}

// Props returns the metadata of one object.
func (c *Client) Props(ctx context.Context, oid string) (_ *domain.Object, err error) {
	ctx, span := c.startSpan(ctx, "props", attribute.String("object.id", oid))
	defer func() { endSpan(span, err) }()

	body, _, err := c.getBytes(ctx, "props", "/props/"+oid)
	if err != nil {
		return nil, err
	}
	var obj domain.Object
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode props of %s: %w", oid, err)
	}
	return &obj, nil
}

// Write posts object metadata, and optionally one blob, as a multipart form.
// The service answers with the stored objects.
func (c *Client) Write(ctx context.Context, metas []domain.Object, blob *Blob) (_ []domain.Object, err error) {
	ctx, span := c.startSpan(ctx, "write", attribute.Int("write.objects", len(metas)))
	defer func() { endSpan(span, err) }()

	if len(metas) == 0 {
		return nil, fmt.Errorf("%w: write needs at least one object", domain.ErrConfigInvalid)
	}

	metaJSON, err := json.Marshal(metas)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("meta", string(metaJSON)); err != nil {
		return nil, fmt.Errorf("failed to write meta part: %w", err)
	}
	if blob != nil {
		if err := writeBlob(mw, blob); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/write", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.ContentLength = int64(buf.Len())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("write: failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Op: "write", StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	var stored []domain.Object
	if err := json.Unmarshal(body, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode write response: %w", err)
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("write: empty response")
	}
	c.logger.Debug("Wrote objects", "count", len(stored), "oid", stored[0].OID)
	return stored, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeBlob(mw *multipart.Writer, blob *Blob) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="blob"; filename="%s"`, quoteEscaper.Replace(blob.Name)))
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create blob part: %w", err)
	}
	if blob.Reader != nil {
		if _, err := io.Copy(part, blob.Reader); err != nil {
			return fmt.Errorf("failed to copy blob: %w", err)
		}
	}
	return nil
}

// Stream opens the content of a file object. The caller closes the reader.
func (c *Client) Stream(ctx context.Context, oid string) (_ io.ReadCloser, _ string, err error) {
	ctx, span := c.startSpan(ctx, "stream", attribute.String("object.id", oid))
	defer func() { endSpan(span, err) }()

	var resp *http.Response
	status, err := c.retry.ExecuteWithRetry(ctx, http.MethodGet, func() (int, error) {
		if resp != nil {
			resp.Body.Close()
			resp = nil
		}
		req, err := c.newRequest(ctx, http.MethodGet, "/stream/"+oid, nil)
		if err != nil {
			return 0, err
		}
		r, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		resp = r
		return r.StatusCode, nil
	})
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if status != 0 {
			return nil, "", fmt.Errorf("%w: %w", &APIError{Op: "stream", StatusCode: status}, err)
		}
		return nil, "", fmt.Errorf("stream: %w", err)
	}
	if status < 200 || status >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, "", &APIError{Op: "stream", StatusCode: status, Body: string(body)}
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
