package auth

// Principal is the caller identified by a verified bearer token
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}
