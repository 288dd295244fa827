package models

type User struct {
	ID                 string
	Username           string
	NormalizedUsername string
	PassHash           []byte
	Scopes             []string
	Roles              []string
}
