package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier or
// correlation id.
func NewID() string {
	return ulid.Make().String()
}

// NewBearerToken returns a random secret used to authenticate callbacks from
// exactly one runner. Two v4 UUIDs give 244 random bits.
func NewBearerToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
