package pipeline

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewDesignID returns a fresh design identifier. ULIDs sort by creation
// time, which keeps directory listings chronological for free.
func NewDesignID() string {
	return "dsg_" + strings.ToLower(ulid.Make().String())
}

// NewProposalID returns a 12-character token unique within a design. The
// tail of a ULID carries its randomness, so truncation keeps collision
// odds negligible at per-round scale.
func NewProposalID() string {
	u := strings.ToLower(ulid.Make().String())
	return u[len(u)-12:]
}
