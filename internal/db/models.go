package db

import (
	"time"

	"github.com/google/uuid"
)

// PushSubscription is one device's registration with a push service: the
// endpoint to POST to plus the key material needed to encrypt for it.
// Created by the client device, read-only to the delivery engine, deleted
// by the engine once the push service reports the endpoint gone.
type PushSubscription struct {
	ID          uuid.UUID `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Endpoint    string    `json:"endpoint"`
	P256dh      string    `json:"p256dh"` // receiver ECDH public key, URL-safe base64
	Auth        string    `json:"auth"`   // 16-byte auth secret, URL-safe base64
	CreatedAt   time.Time `json:"created_at"`
}
