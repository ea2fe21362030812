package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const ownerSeparator = "/"

// JobOwner correlates work submitted to the batch cluster with the
// (job, run) pair that submitted it.
type JobOwner struct {
	JobID string
	RunID int64
}

// Encode renders the owner token. Job ids never contain the separator,
// see ValidJobID, so the token is unambiguous without escaping.
func (o JobOwner) Encode() string {
	return fmt.Sprintf("%s%s%d", o.JobID, ownerSeparator, o.RunID)
}

func (o JobOwner) String() string {
	return o.Encode()
}

// DecodeJobOwner parses an owner token. Anything that isn't exactly
// "jobId/runId" with an integer run id yields nil.
func DecodeJobOwner(token *string) *JobOwner {
	if token == nil {
		return nil
	}
	parts := strings.Split(*token, ownerSeparator)
	if len(parts) != 2 {
		return nil
	}
	runID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil
	}
	return &JobOwner{JobID: parts[0], RunID: runID}
}

// DecodeJobOwnerString is DecodeJobOwner for callers holding a plain string.
func DecodeJobOwnerString(token string) *JobOwner {
	return DecodeJobOwner(&token)
}

// ValidJobID rejects ids that would break owner token encoding.
func ValidJobID(id string) error {
	if id == "" {
		return fmt.Errorf("job id must not be empty")
	}
	if strings.Contains(id, ownerSeparator) {
		return fmt.Errorf("job id %q must not contain %q", id, ownerSeparator)
	}
	return nil
}
