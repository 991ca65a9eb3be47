package exchange

import "encoding/json"

// User is the backend's authoritative session record.
type User struct {
	ID          int64   `json:"id"`
	Email       string  `json:"email"`
	Name        *string `json:"name"`
	Provider    string  `json:"provider"`
	CreatedAt   string  `json:"created_at"`
	PhoneNumber string  `json:"phone_number,omitempty"`
	FirebaseUID string  `json:"firebase_uid,omitempty"`
}

// DisplayName returns Name, or "" when the backend stored none.
func (u *User) DisplayName() string {
	if u == nil || u.Name == nil {
		return ""
	}
	return *u.Name
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if u.Name != nil {
		n := *u.Name
		out.Name = &n
	}
	return &out
}

// Marshal encodes u in the wire format used for local persistence.
func (u *User) Marshal() ([]byte, error) { return json.Marshal(u) }

// ProfileAttributes is sent with OTP exchanges.
type ProfileAttributes struct {
	FullName string
}

type otpRequest struct {
	Name string `json:"name"`
}
