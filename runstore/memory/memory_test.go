package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/runstore/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) runstore.Store {
		s, err := MakeStore()
		require.NoError(t, err)
		return s
	})
}
