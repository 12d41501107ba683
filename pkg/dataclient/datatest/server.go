// Package datatest provides an in-memory data service for tests.
package datatest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/polisai/dataharness/pkg/domain"
)

// DefaultPolicy is the object policy of the seeded root and namespace.
var DefaultPolicy = json.RawMessage(`{"label":"allow all","requirements":{"f":"yield-all","a":[]}}`)

// DefaultSecurity is the security tag of the seeded root and namespace.
var DefaultSecurity = json.RawMessage(`{"label":"UNCLASSIFIED","foreground":"#FFFFFF","background":"green"}`)

type entry struct {
	obj         domain.Object
	data        []byte
	contentType string
}

// Server is a data service fake backed by a map of objects.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	objects  map[string]*entry
	nextOID  int
	failures []int
	requests []string
	userDNs  []string
	metas    []string
}

// NewServer starts a fake with a root object and a namespace directory.
func NewServer(namespace string) *Server {
	s := &Server{
		objects: make(map[string]*entry),
		nextOID: 100,
	}
	s.objects[domain.RootOID] = &entry{obj: domain.Object{
		OID:          domain.RootOID,
		ObjectPolicy: DefaultPolicy,
		Security:     DefaultSecurity,
	}}
	if namespace != "" {
		s.create(domain.Object{
			Name:         namespace,
			ParentOID:    domain.RootOID,
			ObjectPolicy: DefaultPolicy,
			Security:     DefaultSecurity,
		}, nil, "")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /self", s.handleSelf)
	mux.HandleFunc("GET /list/{oid}/", s.handleList)
	mux.HandleFunc("GET /props/{oid}", s.handleProps)
	mux.HandleFunc("GET /stream/{oid}", s.handleStream)
	mux.HandleFunc("POST /write", s.handleWrite)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// FailNext makes the next len(statuses) requests answer with those statuses.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// Requests lists "METHOD /path" for every request served.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Metas lists the raw meta field of every write received.
func (s *Server) Metas() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.metas...)
}

// UserDNs lists the USER_DN header of every request served.
func (s *Server) UserDNs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.userDNs...)
}

// Lookup resolves a "/a/b" path to the stored object and its content.
func (s *Server) Lookup(p string) (domain.Object, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.objects[domain.RootOID]
	for _, name := range strings.Split(strings.Trim(p, "/"), "/") {
		if name == "" {
			continue
		}
		cur = s.child(cur.obj.OID, name)
		if cur == nil {
			return domain.Object{}, nil, false
		}
	}
	return cur.obj, append([]byte(nil), cur.data...), true
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.userDNs = append(s.userDNs, r.Header.Get("USER_DN"))
		var fail int
		if len(s.failures) > 0 {
			fail, s.failures = s.failures[0], s.failures[1:]
		}
		s.mu.Unlock()

		if fail != 0 {
			http.Error(w, http.StatusText(fail), fail)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, "<html><body>data</body></html>")
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	dn := r.Header.Get("USER_DN")
	if dn == "" {
		http.Error(w, "no identity", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"label":  dn,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"iss":    "datatest",
		"values": map[string][]string{"email": {"localuser@dataharness.local"}},
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	oid := r.PathValue("oid")

	s.mu.Lock()
	parent, ok := s.objects[oid]
	if !ok || parent.obj.IsFile {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	listing := make([]map[string]any, 0)
	for _, e := range s.sortedChildren(oid) {
		item := map[string]any{
			"oid":       e.obj.OID,
			"parentoid": e.obj.ParentOID,
			"name":      e.obj.Name,
		}
		// Listings only carry isfile for files.
		if e.obj.IsFile {
			item["isfile"] = true
			item["size"] = len(e.data)
			item["mimetype"] = e.obj.MimeType
		}
		listing = append(listing, item)
	}
	s.mu.Unlock()

	writeJSON(w, listing)
}

func (s *Server) handleProps(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	e, ok := s.objects[r.PathValue("oid")]
	var obj domain.Object
	if ok {
		obj = e.obj
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, obj)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	e, ok := s.objects[r.PathValue("oid")]
	var data []byte
	var contentType string
	if ok {
		data = append([]byte(nil), e.data...)
		contentType = e.contentType
		ok = e.obj.IsFile
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	raw := r.FormValue("meta")
	s.mu.Lock()
	s.metas = append(s.metas, raw)
	s.mu.Unlock()

	var metas []domain.Object
	if err := json.Unmarshal([]byte(raw), &metas); err != nil || len(metas) == 0 {
		http.Error(w, "bad meta", http.StatusBadRequest)
		return
	}
	// The service tells files from directories by an explicit isFile.
	for _, m := range gjson.Parse(raw).Array() {
		if !m.Get("isFile").Exists() {
			http.Error(w, "meta without isFile", http.StatusBadRequest)
			return
		}
	}

	var data []byte
	var contentType string
	if f, hdr, err := r.FormFile("blob"); err == nil {
		data, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		contentType = hdr.Header.Get("Content-Type")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]domain.Object, 0, len(metas))
	for _, meta := range metas {
		parent, ok := s.objects[meta.ParentOID]
		if !ok || parent.obj.IsFile {
			http.Error(w, fmt.Sprintf("unknown parent %q", meta.ParentOID), http.StatusBadRequest)
			return
		}
		if meta.Name == "" || meta.Action == "" {
			http.Error(w, "name and action are required", http.StatusBadRequest)
			return
		}
		if len(meta.ObjectPolicy) == 0 {
			http.Error(w, "objectpolicy is required", http.StatusBadRequest)
			return
		}
		stored = append(stored, s.upsert(meta, data, contentType))
	}
	writeJSON(w, stored)
}

// upsert replaces the content of an existing sibling with the same name or
// creates a new object. Callers hold s.mu.
func (s *Server) upsert(meta domain.Object, data []byte, contentType string) domain.Object {
	if contentType == "" {
		contentType = meta.MimeType
	}
	if existing := s.child(meta.ParentOID, meta.Name); existing != nil {
		oid := existing.obj.OID
		existing.obj = meta
		existing.obj.OID = oid
		existing.obj.Action = ""
		existing.obj.Size = int64(len(data))
		existing.data = data
		existing.contentType = contentType
		return existing.obj
	}
	return s.create(meta, data, contentType)
}

func (s *Server) create(meta domain.Object, data []byte, contentType string) domain.Object {
	s.nextOID++
	meta.OID = strconv.Itoa(s.nextOID)
	meta.Action = ""
	meta.Size = int64(len(data))
	meta.TStamp = time.Now().UnixNano()
	s.objects[meta.OID] = &entry{obj: meta, data: data, contentType: contentType}
	return meta
}

func (s *Server) child(parentOID, name string) *entry {
	for _, e := range s.objects {
		if e.obj.ParentOID == parentOID && e.obj.Name == name && e.obj.OID != domain.RootOID {
			return e
		}
	}
	return nil
}

func (s *Server) sortedChildren(oid string) []*entry {
	var out []*entry
	for _, e := range s.objects {
		if e.obj.ParentOID == oid && e.obj.OID != domain.RootOID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].obj.Name < out[j].obj.Name })
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
