// Package client provides HTTP resource clients for the wallet backend.
// One client per resource kind maps queued operation kinds to the
// corresponding remote calls and translates HTTP failures into structured
// errors the queue processor can route without message sniffing.
//
// Conflict protocol: entities carry an integer version; update and delete
// requests send it in an If-Match header. The server answers divergence
// with 409 and a JSON body {"kind":"version"|"content"|"deletion",
// "remote":{...}} carrying its current copy of the entity.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	walletsync "github.com/c0deZ3R0/wallet-sync-kit"
	syncErrors "github.com/c0deZ3R0/wallet-sync-kit/errors"
)

const component = syncErrors.Component("client")

// Limits defines response size limits.
type Limits struct {
	// MaxBodyBytes caps how much of a response body is read. Default 8MB.
	MaxBodyBytes int64
}

// Client is the shared HTTP layer for all resource clients.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
}

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) { c.http = cl }
}

// WithLimits sets response size limits.
func WithLimits(l Limits) Option {
	return func(c *Client) { c.limits = l }
}

// New creates a Client for the wallet backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  Limits{MaxBodyBytes: 8 << 20},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials returns the resource client for credentials.
func (c *Client) Credentials() walletsync.ResourceClient {
	return &resourceClient{c: c, kind: walletsync.ResourceCredential, path: "credentials"}
}

// Connections returns the resource client for connections.
func (c *Client) Connections() walletsync.ResourceClient {
	return &resourceClient{c: c, kind: walletsync.ResourceConnection, path: "connections"}
}

// Profiles returns the resource client for profiles.
func (c *Client) Profiles() walletsync.ResourceClient {
	return &resourceClient{c: c, kind: walletsync.ResourceProfile, path: "profiles"}
}

// All returns one resource client per resource kind, ready to hand to the
// engine.
func (c *Client) All() []walletsync.ResourceClient {
	return []walletsync.ResourceClient{c.Credentials(), c.Connections(), c.Profiles()}
}

type resourceClient struct {
	c    *Client
	kind walletsync.ResourceKind
	path string
}

func (r *resourceClient) Resource() walletsync.ResourceKind { return r.kind }

// Execute replays one queued operation against the backend and returns
// the canonical entity from the server's response.
func (r *resourceClient) Execute(ctx context.Context, p walletsync.Payload) (*walletsync.Entity, error) {
	op := syncErrors.Op("client.Execute")
	if p.Resource() != r.kind {
		return nil, syncErrors.E(op, component, syncErrors.KindInvalid,
			fmt.Sprintf("%s payload dispatched to %s client", p.Resource(), r.kind))
	}

	method, url, body, version, err := r.request(p)
	if err != nil {
		return nil, syncErrors.E(op, component, syncErrors.KindInvalid, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, syncErrors.E(op, component, syncErrors.KindInvalid, err, "encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, syncErrors.E(op, component, syncErrors.KindInvalid, err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if version > 0 {
		req.Header.Set("If-Match", strconv.FormatInt(version, 10))
	}

	resp, err := r.c.http.Do(req)
	if err != nil {
		return nil, syncErrors.E(op, component, syncErrors.KindTransient, err, "http request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.c.limits.MaxBodyBytes))
	if err != nil {
		return nil, syncErrors.E(op, component, syncErrors.KindTransient, err, "read response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return r.entityFrom(p, data)
	}
	if resp.StatusCode == http.StatusNotFound && p.Operation() == walletsync.OpDelete {
		// Already gone; deleting is idempotent.
		return &walletsync.Entity{ID: p.TargetID()}, nil
	}
	return nil, r.statusError(op, p, resp.StatusCode, data)
}

// request maps a payload variant to its HTTP method, URL, body and the
// version to send in If-Match (0 means none).
func (r *resourceClient) request(p walletsync.Payload) (method, url string, body interface{}, version int64, err error) {
	base := fmt.Sprintf("%s/%s", r.c.baseURL, r.path)
	item := func(id string) string { return fmt.Sprintf("%s/%s", base, id) }

	switch v := p.(type) {
	case walletsync.CreateCredential:
		return http.MethodPost, base, v.Credential, 0, nil
	case walletsync.UpdateCredential:
		return http.MethodPatch, item(v.ID), v.Changes, v.Version, nil
	case walletsync.DeleteCredential:
		return http.MethodDelete, item(v.ID), nil, v.Version, nil
	case walletsync.ShareCredential:
		return http.MethodPost, item(v.ID) + "/share", map[string]string{
			"recipient_did": v.RecipientDID,
			"comment":       v.Comment,
		}, 0, nil
	case walletsync.VerifyCredential:
		return http.MethodPost, item(v.ID) + "/verify", nil, 0, nil
	case walletsync.CreateConnection:
		return http.MethodPost, base, v.Connection, 0, nil
	case walletsync.UpdateConnection:
		return http.MethodPatch, item(v.ID), v.Changes, v.Version, nil
	case walletsync.DeleteConnection:
		return http.MethodDelete, item(v.ID), nil, v.Version, nil
	case walletsync.CreateProfile:
		return http.MethodPost, base, v.Profile, 0, nil
	case walletsync.UpdateProfile:
		return http.MethodPatch, item(v.ID), v.Changes, v.Version, nil
	default:
		return "", "", nil, 0, fmt.Errorf("unsupported payload %T", p)
	}
}

// entityFrom builds the canonical Entity from a success response. Delete
// responses have no body; the entity then carries just the target ID.
func (r *resourceClient) entityFrom(p walletsync.Payload, data []byte) (*walletsync.Entity, error) {
	if len(data) == 0 {
		return &walletsync.Entity{ID: p.TargetID()}, nil
	}
	var envelope struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, syncErrors.E(syncErrors.Op("client.Execute"), component,
			syncErrors.KindInvalid, err, "decode response entity")
	}
	id := envelope.ID
	if id == "" {
		id = p.TargetID()
	}
	return &walletsync.Entity{ID: id, Version: envelope.Version, Data: data}, nil
}

// conflictBody is the server's 409 response shape.
type conflictBody struct {
	Kind   string          `json:"kind"`
	Remote json.RawMessage `json:"remote"`
}

func (r *resourceClient) statusError(op syncErrors.Op, p walletsync.Payload, status int, data []byte) error {
	switch {
	case status == http.StatusConflict:
		var cb conflictBody
		kind := syncErrors.KindConflict
		if err := json.Unmarshal(data, &cb); err == nil {
			switch cb.Kind {
			case "version":
				kind = syncErrors.KindVersionConflict
			case "content":
				kind = syncErrors.KindContentConflict
			case "deletion":
				kind = syncErrors.KindDeletionConflict
			}
		}
		args := []interface{}{op, component, kind,
			fmt.Sprintf("server reported %s conflict for %s", cb.Kind, p.TargetID())}
		if len(cb.Remote) > 0 {
			args = append(args, cb.Remote)
		}
		return syncErrors.E(args...)

	case status == http.StatusNotFound:
		// Replaying a mutation against an entity the server no longer has
		// means it was deleted remotely while the local edit was queued.
		return syncErrors.E(op, component, syncErrors.KindDeletionConflict,
			fmt.Sprintf("%s not found on server", p.TargetID()))

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncErrors.E(op, component, syncErrors.KindUnauthorized,
			fmt.Sprintf("server returned %d", status))

	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return syncErrors.E(op, component, syncErrors.KindTransient,
			fmt.Sprintf("server returned %d", status))

	default:
		return syncErrors.E(op, component, syncErrors.KindInvalid,
			fmt.Sprintf("server returned %d: %s", status, truncate(data, 200)))
	}
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n]) + "..."
	}
	return string(data)
}
