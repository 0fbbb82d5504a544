package jobs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ListOrder selects the sort applied by Store.List.
type ListOrder int

const (
	// OrderScheduling is priority DESC, createdAt ASC — used by the
	// scheduler's admission queries.
	OrderScheduling ListOrder = iota
	// OrderRecency is priority DESC, createdAt DESC — used by user-facing
	// listings.
	OrderRecency
)

// Filter narrows Store.List. Zero values are "no constraint" except Limit,
// which is mandatory (callers MUST pass a positive page size).
type Filter struct {
	Type      string
	Status    Status
	SessionID string
	AgentID   string
	Limit     int
	Cursor    string
	Order     ListOrder
}

// cursorKey is the opaque pagination token payload: the sort key of the
// last row of the previous page, so the next page starts strictly after it.
type cursorKey struct {
	Priority  int       `json:"p"`
	CreatedAt time.Time `json:"c"`
	ID        uuid.UUID `json:"i"`
}

func encodeCursor(k cursorKey) string {
	b, _ := json.Marshal(k)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursorKey, bool) {
	var k cursorKey
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return k, false
	}
	if err := json.Unmarshal(b, &k); err != nil {
		return k, false
	}
	return k, true
}

// Cursor is the decoded pagination token, exported so Store implementations
// living outside this package (e.g. pkg/storage/postgres) can apply it.
type Cursor struct {
	Priority  int
	CreatedAt time.Time
	ID        uuid.UUID
}

// EncodeCursor and DecodeCursor expose the cursor codec to Store
// implementations living outside this package.
func EncodeCursor(priority int, createdAt time.Time, id uuid.UUID) string {
	return encodeCursor(cursorKey{Priority: priority, CreatedAt: createdAt, ID: id})
}

// DecodeCursor reports ok=false for an empty or malformed cursor, in which
// case callers should treat the listing as starting from the first page.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	k, ok := decodeCursor(s)
	return Cursor{Priority: k.Priority, CreatedAt: k.CreatedAt, ID: k.ID}, ok
}

// Page is one page of a cursor-paginated listing.
type Page struct {
	Jobs       []Job
	NextCursor string // empty when there is no further page
}

// Retention configures Store.Cleanup's deletion windows.
type Retention struct {
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// StatusUpdate is the set of fields persisted atomically alongside a status
// transition, per §4.1's atomicity requirement.
type StatusUpdate struct {
	Status       Status
	Error        *JobError
	Retry        *RetryState
	Cancellation *Cancellation
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Output       JSONMap
	ClearOutput  bool
}

// Store is the C1 Job Store contract: durable persistence of jobs,
// checkpoints and logs.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, filter Filter) (Page, error)

	UpdateProgress(ctx context.Context, id uuid.UUID, p Progress) error
	UpdateStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) error

	SaveCheckpoint(ctx context.Context, id uuid.UUID, state JSONMap) error
	GetCheckpoint(ctx context.Context, id uuid.UUID) (JSONMap, error)

	AppendLog(ctx context.Context, entry *JobLog) error
	GetLogs(ctx context.Context, jobID uuid.UUID, limit int) ([]JobLog, error)

	Cleanup(ctx context.Context, r Retention) (int64, error)
}
