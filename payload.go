package walletsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Credential is a verifiable credential held by the wallet.
type Credential struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Issuer   string                 `json:"issuer"`
	Holder   string                 `json:"holder,omitempty"`
	Claims   map[string]interface{} `json:"claims,omitempty"`
	IssuedAt time.Time              `json:"issued_at"`
	Version  int64                  `json:"version"`
}

// Connection is a pairwise relationship established through a handshake.
type Connection struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	MyDID    string `json:"my_did,omitempty"`
	TheirDID string `json:"their_did,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Status   string `json:"status"` // pending, active, revoked
	Version  int64  `json:"version"`
}

// Profile is the wallet owner's public profile.
type Profile struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Email       string            `json:"email,omitempty"`
	AvatarURL   string            `json:"avatar_url,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Version     int64             `json:"version"`
}

// Payload is the data needed to replay one queued operation. It is a
// tagged union: each variant carries its own typed shape for one valid
// (resource, operation) pair, so adding an operation kind breaks
// compilation everywhere the union is switched over.
type Payload interface {
	Resource() ResourceKind
	Operation() OperationKind

	// TargetID identifies the entity the operation acts on. For create
	// operations this is the client-assigned ID of the new entity.
	TargetID() string

	isPayload()
}

// Credential payloads

type CreateCredential struct {
	Credential Credential `json:"credential"`
}

func (CreateCredential) Resource() ResourceKind   { return ResourceCredential }
func (CreateCredential) Operation() OperationKind { return OpCreate }
func (p CreateCredential) TargetID() string       { return p.Credential.ID }
func (CreateCredential) isPayload()               {}

type UpdateCredential struct {
	ID      string                 `json:"id"`
	Version int64                  `json:"version"`
	Changes map[string]interface{} `json:"changes"`
}

func (UpdateCredential) Resource() ResourceKind   { return ResourceCredential }
func (UpdateCredential) Operation() OperationKind { return OpUpdate }
func (p UpdateCredential) TargetID() string       { return p.ID }
func (UpdateCredential) isPayload()               {}

type DeleteCredential struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

func (DeleteCredential) Resource() ResourceKind   { return ResourceCredential }
func (DeleteCredential) Operation() OperationKind { return OpDelete }
func (p DeleteCredential) TargetID() string       { return p.ID }
func (DeleteCredential) isPayload()               {}

type ShareCredential struct {
	ID           string `json:"id"`
	RecipientDID string `json:"recipient_did"`
	Comment      string `json:"comment,omitempty"`
}

func (ShareCredential) Resource() ResourceKind   { return ResourceCredential }
func (ShareCredential) Operation() OperationKind { return OpShare }
func (p ShareCredential) TargetID() string       { return p.ID }
func (ShareCredential) isPayload()               {}

type VerifyCredential struct {
	ID string `json:"id"`
}

func (VerifyCredential) Resource() ResourceKind   { return ResourceCredential }
func (VerifyCredential) Operation() OperationKind { return OpVerify }
func (p VerifyCredential) TargetID() string       { return p.ID }
func (VerifyCredential) isPayload()               {}

// Connection payloads

type CreateConnection struct {
	Connection Connection `json:"connection"`
}

func (CreateConnection) Resource() ResourceKind   { return ResourceConnection }
func (CreateConnection) Operation() OperationKind { return OpCreate }
func (p CreateConnection) TargetID() string       { return p.Connection.ID }
func (CreateConnection) isPayload()               {}

type UpdateConnection struct {
	ID      string                 `json:"id"`
	Version int64                  `json:"version"`
	Changes map[string]interface{} `json:"changes"`
}

func (UpdateConnection) Resource() ResourceKind   { return ResourceConnection }
func (UpdateConnection) Operation() OperationKind { return OpUpdate }
func (p UpdateConnection) TargetID() string       { return p.ID }
func (UpdateConnection) isPayload()               {}

type DeleteConnection struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

func (DeleteConnection) Resource() ResourceKind   { return ResourceConnection }
func (DeleteConnection) Operation() OperationKind { return OpDelete }
func (p DeleteConnection) TargetID() string       { return p.ID }
func (DeleteConnection) isPayload()               {}

// Profile payloads

type CreateProfile struct {
	Profile Profile `json:"profile"`
}

func (CreateProfile) Resource() ResourceKind   { return ResourceProfile }
func (CreateProfile) Operation() OperationKind { return OpCreate }
func (p CreateProfile) TargetID() string       { return p.Profile.ID }
func (CreateProfile) isPayload()               {}

type UpdateProfile struct {
	ID      string                 `json:"id"`
	Version int64                  `json:"version"`
	Changes map[string]interface{} `json:"changes"`
}

func (UpdateProfile) Resource() ResourceKind   { return ResourceProfile }
func (UpdateProfile) Operation() OperationKind { return OpUpdate }
func (p UpdateProfile) TargetID() string       { return p.ID }
func (UpdateProfile) isPayload()               {}

// decodePayload reconstructs the typed payload variant from its persisted
// envelope. Unknown (resource, operation) pairs are an error: the queue
// never silently drops work it cannot replay.
func decodePayload(res ResourceKind, op OperationKind, data json.RawMessage) (Payload, error) {
	var p Payload
	switch res {
	case ResourceCredential:
		switch op {
		case OpCreate:
			p = &CreateCredential{}
		case OpUpdate:
			p = &UpdateCredential{}
		case OpDelete:
			p = &DeleteCredential{}
		case OpShare:
			p = &ShareCredential{}
		case OpVerify:
			p = &VerifyCredential{}
		}
	case ResourceConnection:
		switch op {
		case OpCreate:
			p = &CreateConnection{}
		case OpUpdate:
			p = &UpdateConnection{}
		case OpDelete:
			p = &DeleteConnection{}
		}
	case ResourceProfile:
		switch op {
		case OpCreate:
			p = &CreateProfile{}
		case OpUpdate:
			p = &UpdateProfile{}
		}
	}
	if p == nil {
		return nil, fmt.Errorf("unsupported queue operation %s %s", op, res)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s %s payload: %w", op, res, err)
	}
	return deref(p), nil
}

// deref converts the pointer variants used for unmarshalling back to the
// value forms used everywhere else.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *CreateCredential:
		return *v
	case *UpdateCredential:
		return *v
	case *DeleteCredential:
		return *v
	case *ShareCredential:
		return *v
	case *VerifyCredential:
		return *v
	case *CreateConnection:
		return *v
	case *UpdateConnection:
		return *v
	case *DeleteConnection:
		return *v
	case *CreateProfile:
		return *v
	case *UpdateProfile:
		return *v
	default:
		return p
	}
}
