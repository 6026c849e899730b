// Package auth is the seam to the identity collaborator. The coordinator
// never derives identity itself: whatever sits upstream (session cookie
// middleware, SAML assertion consumer) resolves the request to an
// Identity, and everything downstream trusts it.
package auth

import (
	"errors"
	"net/http"

	"liveclass/pkg/types"
)

// ErrUnauthenticated means the request carried no resolvable identity.
var ErrUnauthenticated = errors.New("request is not authenticated")

// Identity is the {user_id, role} pair the identity system yields.
type Identity struct {
	ID    string
	Name  string
	Role  types.Role
	Admin bool
}

// IsTeacher reports whether the identity may drive test-control messages.
func (i *Identity) IsTeacher() bool {
	return i.Role == types.RoleTeacher
}

// IsAdmin reports whether the identity carries administrative rights.
func (i *Identity) IsAdmin() bool {
	return i.Admin
}

// Authenticator resolves a request to an identity, or reports that none
// is present.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// GatewayAuthenticator trusts identity headers injected by an upstream
// gateway that has already completed authentication (cookie or SAML).
// It must never be exposed without that gateway in front of it.
type GatewayAuthenticator struct{}

// Header names the gateway populates after authenticating the user.
const (
	HeaderUserID   = "X-Auth-User"
	HeaderUserName = "X-Auth-Name"
	HeaderUserRole = "X-Auth-Role"
	HeaderAdmin    = "X-Auth-Admin"
)

// Authenticate reads the gateway-injected identity headers. Query
// parameters are accepted as a fallback because browsers cannot attach
// headers to a WebSocket upgrade.
func (GatewayAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	id := r.Header.Get(HeaderUserID)
	name := r.Header.Get(HeaderUserName)
	role := r.Header.Get(HeaderUserRole)
	admin := r.Header.Get(HeaderAdmin) == "true"

	if id == "" {
		id = r.URL.Query().Get("user_id")
		name = r.URL.Query().Get("name")
		role = r.URL.Query().Get("role")
	}
	if id == "" || !types.IsValidUserID(id) {
		return nil, ErrUnauthenticated
	}
	if name == "" {
		name = id
	}

	return &Identity{
		ID:    id,
		Name:  name,
		Role:  types.ParseRole(role),
		Admin: admin,
	}, nil
}
