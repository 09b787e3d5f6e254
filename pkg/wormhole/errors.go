package wormhole

// UsageError is raised when a Session operation is called out of its legal
// state, or with an argument of the wrong semantic type (spec.md section 7).
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return "wormhole: usage error: " + e.Message
}

// WrongPasswordError is raised from GetData when authenticated decryption
// of the peer's data phase fails, per spec.md section 7.
type WrongPasswordError struct{}

func (e *WrongPasswordError) Error() string {
	return "wormhole: wrong password (peer's data phase failed to authenticate)"
}
