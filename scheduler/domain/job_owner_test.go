package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_JobOwner_Encode(t *testing.T) {
	assert.Equal(t, "refine/7", JobOwner{JobID: "refine", RunID: 7}.Encode())
}

func Test_JobOwner_Decode(t *testing.T) {
	owner := DecodeJobOwnerString("refine/7")
	if assert.NotNil(t, owner) {
		assert.Equal(t, JobOwner{JobID: "refine", RunID: 7}, *owner)
	}
}

func Test_JobOwner_DecodeRejectsMalformed(t *testing.T) {
	assert.Nil(t, DecodeJobOwner(nil))
	for _, token := range []string{"no-slash-here", "a/b/c", "a/notanumber", "a/", "a/1.5", ""} {
		assert.Nil(t, DecodeJobOwnerString(token), token)
	}
}

func Test_ValidJobID(t *testing.T) {
	assert.NoError(t, ValidJobID("ctf-estimation"))
	assert.Error(t, ValidJobID("a/b"))
	assert.Error(t, ValidJobID(""))
}
