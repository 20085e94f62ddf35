package domrec

import (
	"time"

	"github.com/hazyhaar/domrec/internal/redact"
	"github.com/hazyhaar/domrec/record"
)

// UserIdentity is the signed-in user as published by the host page. Every
// field is redacted before it leaves the recorder.
type UserIdentity struct {
	Username  string
	Name      string
	Email     string
	Phone     string
	Profile   string
	LastLogin time.Time
	Store     string
}

func (u UserIdentity) fields() map[string]string {
	out := map[string]string{
		"username": u.Username,
		"name":     u.Name,
		"email":    u.Email,
		"phone":    u.Phone,
		"profile":  u.Profile,
		"store":    u.Store,
	}
	if !u.LastLogin.IsZero() {
		out["last_login"] = u.LastLogin.UTC().Format(time.RFC3339)
	}
	for k, v := range out {
		if v == "" {
			delete(out, k)
		}
	}
	return out
}

// identityRecord redacts the identity into an identity record.
func identityRecord(eng *redact.Engine, u UserIdentity, t int64) record.Record {
	vals := make(map[string]record.Value)
	for name, v := range u.fields() {
		vals[name] = eng.Value(redact.Subject{Source: redact.FromField, Name: name, Value: v})
	}
	return record.Record{Type: record.TypeIdentity, Time: t, Identity: vals}
}
