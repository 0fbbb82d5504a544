package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEncodeDecodePipelineCursor_RoundTrips(t *testing.T) {
	id := uuid.New()
	createdAt := time.Now().UTC().Truncate(time.Microsecond)

	encoded := encodePipelineCursor(createdAt, id)
	decoded, ok := decodePipelineCursor(encoded)
	if !ok {
		t.Fatal("expected a freshly encoded cursor to decode")
	}
	if !decoded.CreatedAt.Equal(createdAt) || decoded.ID != id {
		t.Errorf("expected %v/%v, got %v/%v", createdAt, id, decoded.CreatedAt, decoded.ID)
	}
}

func TestDecodePipelineCursor_EmptyIsNotOK(t *testing.T) {
	if _, ok := decodePipelineCursor(""); ok {
		t.Error("expected an empty cursor string to decode as not-ok")
	}
}

func TestDecodePipelineCursor_MalformedIsNotOK(t *testing.T) {
	if _, ok := decodePipelineCursor("not-valid-base64!!"); ok {
		t.Error("expected malformed input to decode as not-ok")
	}
}
