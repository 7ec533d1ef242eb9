package audit

import (
	"time"

	"github.com/google/uuid"
)

// SystemActor is recorded for actions taken without a signed-in user.
const SystemActor = "System"

// Entry is one immutable line of the audit trail.
type Entry struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Action    string    `db:"action" json:"action"`
	Actor     string    `db:"actor" json:"actor"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}
