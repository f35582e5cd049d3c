package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListRemovesExactlyOneRegistration(t *testing.T) {
	var l List[func() string]
	f := func() string { return "same" }

	removeFirst := l.Add(f)
	l.Add(f)
	assert.Equal(t, 2, l.Len())

	removeFirst()
	removeFirst()
	assert.Equal(t, 1, l.Len())
}

func TestListSnapshotKeepsRegistrationOrder(t *testing.T) {
	var l List[string]
	l.Add("a")
	removeB := l.Add("b")
	l.Add("c")

	removeB()
	assert.Equal(t, []string{"a", "c"}, l.Snapshot())

	l.Clear()
	assert.Empty(t, l.Snapshot())
}
