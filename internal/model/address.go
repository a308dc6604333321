package model

// Address identifies a cluster member by its grid listen endpoint
// (host:port). The zero value means "no address".
type Address string

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ""
}

func (a Address) String() string {
	return string(a)
}
