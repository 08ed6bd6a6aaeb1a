package testutil

import (
	"context"
	"net/http"

	relay "github.com/eugener/palantir/internal"
)

// StaticAuth is a relay.Authenticator that always answers the same way.
type StaticAuth struct {
	Identity *relay.Identity
	Err      error
}

func (a StaticAuth) Authenticate(context.Context, *http.Request) (*relay.Identity, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	id := a.Identity
	if id == nil {
		id = &relay.Identity{UserID: 1, KeyID: 1, Name: "test"}
	}
	return id, nil
}
