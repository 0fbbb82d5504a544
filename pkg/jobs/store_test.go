package jobs

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEncodeDecodeCursor_RoundTrips(t *testing.T) {
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	token := EncodeCursor(7, now, id)

	got, ok := DecodeCursor(token)
	if !ok {
		t.Fatal("expected cursor to decode")
	}
	if got.Priority != 7 || got.ID != id || !got.CreatedAt.Equal(now) {
		t.Errorf("round-tripped cursor mismatch: got %+v", got)
	}
}

func TestDecodeCursor_EmptyIsNotOK(t *testing.T) {
	if _, ok := DecodeCursor(""); ok {
		t.Error("expected empty cursor to decode as not-ok")
	}
}

func TestDecodeCursor_MalformedIsNotOK(t *testing.T) {
	if _, ok := DecodeCursor("not-a-valid-cursor!!"); ok {
		t.Error("expected malformed cursor to decode as not-ok")
	}
}
