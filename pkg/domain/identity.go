package domain

// Identity is a user known to the authentication service. Label is the
// distinguished name sent as USER_DN; Values carries attributes such as email
// and org that end up in token claims.
type Identity struct {
	Label  string              `json:"label"`
	Values map[string][]string `json:"values"`
}

// First returns the first value of an attribute.
func (i Identity) First(field string) string {
	if vals := i.Values[field]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// UserList is the document consumed by the authentication service.
type UserList struct {
	Users []Identity `json:"users"`
}
