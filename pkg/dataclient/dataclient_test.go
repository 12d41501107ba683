package dataclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/dataharness/internal/governance"
	"github.com/polisai/dataharness/pkg/dataclient/datatest"
	"github.com/polisai/dataharness/pkg/domain"
)

const testDN = "CN=localuser,OU=Engineering,O=Harness,L=Local,C=US"

func newTestClient(t *testing.T) (*Client, *datatest.Server) {
	t.Helper()
	srv := datatest.NewServer("world")
	t.Cleanup(srv.Close)

	retry := governance.NewRetryPolicy(governance.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	c := New(srv.URL+"/", WithUserDN(testDN), WithRetry(retry),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return c, srv
}

func TestSelf(t *testing.T) {
	c, srv := newTestClient(t)

	info, err := c.Self(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testDN, info.Label)
	assert.Equal(t, "localuser@dataharness.local", info.Identity().First("email"))
	assert.Equal(t, []string{testDN}, srv.UserDNs())
}

func TestSelf_WithoutIdentity(t *testing.T) {
	srv := datatest.NewServer("world")
	defer srv.Close()

	_, err := New(srv.URL).Self(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestFind(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	oid, err := c.Find(ctx, "world/")
	require.NoError(t, err)
	assert.NotEmpty(t, oid)

	root, err := c.Find(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, domain.RootOID, root)

	_, err = c.Find(ctx, "/world/missing")
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
}

func TestProps_NotFound(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Props(context.Background(), "999")
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "props", apiErr.Op)
}

func TestUpload_CreatesParentsAndInheritsPolicy(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	obj, err := c.Upload(ctx, strings.NewReader(`{"hello":"world"}`), "/world/docs/greeting.json", WriteOptions{})
	require.NoError(t, err)
	assert.True(t, obj.IsFile)
	assert.Equal(t, "application/json", obj.MimeType)

	dir, _, ok := srv.Lookup("/world/docs")
	require.True(t, ok)
	assert.False(t, dir.IsFile)
	assert.JSONEq(t, string(datatest.DefaultPolicy), string(dir.ObjectPolicy))
	assert.JSONEq(t, string(datatest.DefaultSecurity), string(dir.Security))

	stored, data, ok := srv.Lookup("/world/docs/greeting.json")
	require.True(t, ok)
	assert.Equal(t, obj.OID, stored.OID)
	assert.Equal(t, `{"hello":"world"}`, string(data))

	content, err := c.Get(ctx, "/world/docs/greeting.json")
	require.NoError(t, err)
	assert.True(t, content.IsJSON())
	var doc map[string]string
	require.NoError(t, content.JSON(&doc))
	assert.Equal(t, "world", doc["hello"])

	assert.Contains(t, c.Paths(), "/world/docs/greeting.json")
}

func TestMkdirAll_SendsExplicitIsFile(t *testing.T) {
	c, srv := newTestClient(t)

	_, err := c.MkdirAll(context.Background(), "/world/a/b", WriteOptions{})
	require.NoError(t, err)

	metas := srv.Metas()
	require.Len(t, metas, 2)
	for _, raw := range metas {
		assert.Contains(t, raw, `"isFile":false`)
	}
}

func TestUpload_UpdateKeepsOID(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()
	opts := WriteOptions{MimeType: "text/plain", Security: []byte(`{"label":"SECRET"}`)}

	first, err := c.Upload(ctx, strings.NewReader("v1"), "/world/notes", opts)
	require.NoError(t, err)
	second, err := c.Upload(ctx, strings.NewReader("v2"), "/world/notes", WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.OID, second.OID)

	stored, data, ok := srv.Lookup("/world/notes")
	require.True(t, ok)
	assert.Equal(t, "v2", string(data))
	assert.JSONEq(t, `{"label":"SECRET"}`, string(stored.Security))

	content, err := c.Get(ctx, "/world/notes")
	require.NoError(t, err)
	assert.False(t, content.IsJSON())
	assert.Equal(t, "v2", content.Text())
	assert.Error(t, content.JSON(&struct{}{}))
}

func TestUploadFileAndDownload(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	dir := t.TempDir()

	local := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(local, []byte("<p>hi</p>"), 0o600))

	obj, err := c.UploadFile(ctx, local, "/world/site/index.html", WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "text/html", obj.MimeType)

	out := filepath.Join(dir, "copy.html")
	n, err := c.Download(ctx, "/world/site/index.html", out)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(data))

	_, err = c.Download(ctx, "/world/site/missing.html", out)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
}

func TestAppend_Parts(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()
	opts := WriteOptions{MimeType: "text/plain"}

	part, err := c.NextPart(ctx, "/world/log", opts)
	require.NoError(t, err)
	assert.Equal(t, FirstPart, part)

	for _, line := range []string{"one\n", "two\n", "three\n"} {
		_, err := c.Append(ctx, strings.NewReader(line), "/world/log", opts)
		require.NoError(t, err)
	}

	for name, want := range map[string]string{"aaa": "one\n", "aab": "two\n", "aac": "three\n"} {
		_, data, ok := srv.Lookup("/world/log/" + name)
		require.True(t, ok, name)
		assert.Equal(t, want, string(data))
	}

	next, err := c.NextPart(ctx, "/world/log/aac", opts)
	require.NoError(t, err)
	assert.Equal(t, "aad", next)
}

func TestNextPart_AfterRollover(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()
	opts := WriteOptions{MimeType: "text/plain"}

	for _, part := range []string{"zzy", "zzz", "aaaa"} {
		_, err := c.Upload(ctx, strings.NewReader(part), "/world/log/"+part, opts)
		require.NoError(t, err)
	}

	next, err := c.NextPart(ctx, "/world/log", opts)
	require.NoError(t, err)
	assert.Equal(t, "aaab", next)

	_, err = c.Append(ctx, strings.NewReader("late\n"), "/world/log", opts)
	require.NoError(t, err)
	_, data, ok := srv.Lookup("/world/log/aaaa")
	require.True(t, ok)
	assert.Equal(t, "aaaa", string(data))
	_, data, ok = srv.Lookup("/world/log/aaab")
	require.True(t, ok)
	assert.Equal(t, "late\n", string(data))
}

func TestAppendFile(t *testing.T) {
	c, srv := newTestClient(t)
	local := filepath.Join(t.TempDir(), "chunk.json")
	require.NoError(t, os.WriteFile(local, []byte(`[1]`), 0o600))

	obj, err := c.AppendFile(context.Background(), local, "/world/series", WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "aaa", obj.Name)
	assert.Equal(t, "application/json", obj.MimeType)

	_, _, ok := srv.Lookup("/world/series/aaa")
	assert.True(t, ok)
}

func TestList_RetriesUnavailable(t *testing.T) {
	c, srv := newTestClient(t)
	srv.FailNext(http.StatusServiceUnavailable, http.StatusServiceUnavailable)

	objs, err := c.List(context.Background(), domain.RootOID)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "world", objs[0].Name)
	assert.True(t, objs[0].IsDir())
	assert.Len(t, srv.Requests(), 3)
}

func TestList_RetriesExhausted(t *testing.T) {
	c, srv := newTestClient(t)
	srv.FailNext(http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)

	_, err := c.List(context.Background(), domain.RootOID)
	assert.ErrorIs(t, err, governance.ErrMaxRetriesExceeded)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestWrite_RequiresObjects(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Write(context.Background(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestWrite_RejectedByService(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Write(context.Background(), []domain.Object{{Name: "x", Action: domain.ActionCreate, ParentOID: "404"}}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestGuessMimeType(t *testing.T) {
	assert.Equal(t, "application/json", GuessMimeType("a.json"))
	assert.Equal(t, "image/png", GuessMimeType("/x/y.png"))
	assert.Equal(t, "application/octet-stream", GuessMimeType("noext"))
}

func TestIncrementPart(t *testing.T) {
	tests := map[string]string{
		"aaa":  "aab",
		"aaz":  "aba",
		"azz":  "baa",
		"zzz":  "aaaa",
		"z":    "aa",
		"":     "a",
		"abcd": "abce",
	}
	for in, want := range tests {
		assert.Equal(t, want, IncrementPart(in), in)
	}
}

func TestIncrementPart_IsSuccessor(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "part")
		next := IncrementPart(s)

		if strings.Trim(s, "z") == "" {
			if next != strings.Repeat("a", len(s)+1) {
				t.Fatalf("%q rolled over to %q", s, next)
			}
			return
		}
		if !partLess(s, next) {
			t.Fatalf("%q does not sort after %q", next, s)
		}
		if len(next) != len(s) {
			t.Fatalf("%q changed length to %q", s, next)
		}
		if next <= s {
			t.Fatalf("%q not after %q", next, s)
		}
	})
}
