package common

import (
	uuid "github.com/nu7hatch/gouuid"
)

// GenUUID returns a random (v4) uuid string.
func GenUUID() string {
	// NewV4 only fails when crypto/rand does, so just try again.
	for {
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
}
