package walletsync

import (
	"encoding/json"
	"testing"
	"time"
)

func TestQueueItemEnvelopeRoundTrip(t *testing.T) {
	original := QueueItem{
		ID: "item-1",
		Payload: ShareCredential{
			ID:           "cred-1",
			RecipientDID: "did:example:peer",
			Comment:      "for onboarding",
		},
		EnqueuedAt: time.Now().UTC().Truncate(time.Second),
		RetryCount: 2,
		LastError:  "server returned 503",
		Priority:   PriorityHigh,
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded QueueItem
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	share, ok := decoded.Payload.(ShareCredential)
	if !ok {
		t.Fatalf("payload type = %T", decoded.Payload)
	}
	if share.RecipientDID != "did:example:peer" {
		t.Errorf("payload = %+v", share)
	}
	if decoded.RetryCount != 2 || decoded.Priority != PriorityHigh {
		t.Errorf("item = %+v", decoded)
	}
	if decoded.Resource() != ResourceCredential || decoded.Operation() != OpShare {
		t.Errorf("envelope tags = %s %s", decoded.Resource(), decoded.Operation())
	}
}

func TestDecodePayloadRejectsUnknownPair(t *testing.T) {
	// Profiles cannot be deleted through the queue.
	if _, err := decodePayload(ResourceProfile, OpDelete, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unsupported pair")
	}
	if _, err := decodePayload(ResourceConnection, OpVerify, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unsupported pair")
	}
}

func TestDecodePayloadReturnsValueForms(t *testing.T) {
	p, err := decodePayload(ResourceConnection, OpCreate,
		json.RawMessage(`{"connection":{"id":"conn-1","label":"Acme","status":"pending"}}`))
	if err != nil {
		t.Fatal(err)
	}
	create, ok := p.(CreateConnection)
	if !ok {
		t.Fatalf("payload type = %T", p)
	}
	if create.Connection.Label != "Acme" || create.TargetID() != "conn-1" {
		t.Errorf("payload = %+v", create)
	}
}
