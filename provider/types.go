package provider

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Identity is the canonical current-user record.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Membership is the canonical membership record.
type Membership struct {
	ID        string
	Status    string
	ProductID string
	PlanID    string
	UserID    string
}

// ref is an identifier that the API returns either as a raw string or
// number, or as an object carrying an "id".
type ref string

func (r *ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*r = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ref(s)
	case b[0] == '{':
		var obj struct {
			ID ref `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*r = obj.ID
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			// Booleans and arrays carry no identifier.
			*r = ""
			return nil
		}
		*r = ref(n.String())
	}
	return nil
}

// rawIdentity accepts the user either flat or nested under "user".
type rawIdentity struct {
	ID       ref          `json:"id"`
	Username string       `json:"username"`
	Email    string       `json:"email"`
	Name     string       `json:"name"`
	User     *rawIdentity `json:"user"`
}

func (ri rawIdentity) normalize() Identity {
	if ri.User != nil && ri.User.ID != "" {
		return ri.User.normalize()
	}
	return Identity{
		ID:       string(ri.ID),
		Username: ri.Username,
		Email:    ri.Email,
		Name:     ri.Name,
	}
}

// rawMembership covers the membership shapes of both API versions.
type rawMembership struct {
	ID        ref    `json:"id"`
	Status    string `json:"status"`
	Product   ref    `json:"product"`
	ProductID ref    `json:"product_id"`
	Plan      ref    `json:"plan"`
	PlanID    ref    `json:"plan_id"`
	User      ref    `json:"user"`
	UserID    ref    `json:"user_id"`
}

func firstNonEmpty(vs ...ref) string {
	for _, v := range vs {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

func (rm rawMembership) normalize() Membership {
	return Membership{
		ID:        string(rm.ID),
		Status:    strings.ToLower(strings.TrimSpace(rm.Status)),
		ProductID: firstNonEmpty(rm.Product, rm.ProductID),
		PlanID:    firstNonEmpty(rm.Plan, rm.PlanID),
		UserID:    firstNonEmpty(rm.User, rm.UserID),
	}
}

// decodeMemberships accepts {"data": [...]}, {"memberships": [...]} or a
// bare array.
func decodeMemberships(b []byte) ([]Membership, error) {
	b = bytes.TrimSpace(b)
	var list []rawMembership
	if len(b) > 0 && b[0] == '[' {
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, err
		}
	} else {
		var env struct {
			Data        []rawMembership `json:"data"`
			Memberships []rawMembership `json:"memberships"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, err
		}
		list = env.Data
		if list == nil {
			list = env.Memberships
		}
	}
	out := make([]Membership, 0, len(list))
	for _, rm := range list {
		out = append(out, rm.normalize())
	}
	return out, nil
}

func decodeIdentity(b []byte) (Identity, error) {
	var ri rawIdentity
	if err := json.Unmarshal(b, &ri); err != nil {
		return Identity{}, err
	}
	return ri.normalize(), nil
}

// truncate bounds upstream bodies kept in errors and logs.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(" + strconv.Itoa(len(b)-n) + " more bytes)"
}
