package core

type (
	// User is the identity a connection acts as inside a room. It is supplied
	// by the client on join and, when the transport authenticated the
	// connection upstream, pinned to the token subject.
	User struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	}
)
