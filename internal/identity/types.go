package identity

// User is the authenticated account identity. UID keys the account's
// remote snapshot document.
type User struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// Session is the persisted sign-in state, stored locally so the daemon
// can resume an identity across restarts.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`

	// PasswordHash is a bcrypt hash of the last password that signed
	// in successfully, enabling offline re-authentication.
	PasswordHash string `json:"passwordHash,omitempty"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInResponse struct {
	Token string `json:"token"`
	UID   string `json:"uid"`
	Email string `json:"email"`
}

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signOutRequest struct {
	Token string `json:"token"`
}

type currentUserRequest struct {
	Token string `json:"token"`
}

type currentUserResponse struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

type apiError struct {
	Error string `json:"error"`
}
