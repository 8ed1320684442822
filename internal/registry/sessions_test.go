package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessions_InsertLookupDelete(t *testing.T) {
	r := New()
	r.Insert("s1", "cred-1", "entry-1")

	byID, ok := r.LookupByID("s1")
	assert.True(t, ok)
	assert.Equal(t, "entry-1", byID)

	byCred, ok := r.LookupByCredential("cred-1")
	assert.True(t, ok)
	assert.Equal(t, "entry-1", byCred)

	assert.Equal(t, 1, r.Count())

	r.Delete("s1", "cred-1")
	_, ok = r.LookupByID("s1")
	assert.False(t, ok)
	_, ok = r.LookupByCredential("cred-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestSessions_InsertWithoutCredential(t *testing.T) {
	r := New()
	r.Insert("s1", "", "entry-1")
	_, ok := r.LookupByCredential("")
	assert.False(t, ok, "empty credential must never be a usable lookup key")
}
