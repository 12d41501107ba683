package domain

import "encoding/json"

// Write actions understood by the data service.
const (
	ActionCreate = "C"
	ActionUpdate = "U"
	ActionDelete = "D"
)

// RootOID is the object id of the namespace root listing.
const RootOID = "1"

// Object is the metadata record the data service keeps for every file and
// directory. Policy and security blobs are passed through untouched. JSON
// decoding is case-insensitive so both "isfile" (listings) and "isFile"
// (write metadata) populate IsFile.
type Object struct {
	OID          string          `json:"oid,omitempty"`
	ParentOID    string          `json:"parentoid,omitempty"`
	Name         string          `json:"name,omitempty"`
	Action       string          `json:"action,omitempty"`
	IsFile       bool            `json:"isFile"`
	MimeType     string          `json:"mimetype,omitempty"`
	Size         int64           `json:"size,omitempty"`
	TStamp       int64           `json:"tstamp,omitempty"`
	SchemaVer    int             `json:"schemaversion,omitempty"`
	ObjectPolicy json.RawMessage `json:"objectpolicy,omitempty"`
	Security     json.RawMessage `json:"security,omitempty"`
	Custom       json.RawMessage `json:"custom,omitempty"`
}

// IsDir reports whether the object is a directory listing.
func (o Object) IsDir() bool {
	return !o.IsFile
}
