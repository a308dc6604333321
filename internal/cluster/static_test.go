package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/datagrid/internal/model"
)

func TestStatic_Membership(t *testing.T) {
	a := model.Address("10.0.0.1:5701")
	b := model.Address("10.0.0.2:5701")

	s := NewStatic(a, b)
	assert.Equal(t, 2, s.Size())
	assert.True(t, s.IsMember(a))
	assert.True(t, s.IsMember(b))
	assert.False(t, s.IsMember("10.0.0.3:5701"))
	assert.ElementsMatch(t, []model.Address{a, b}, s.Members())

	s.Remove(b)
	assert.Equal(t, 1, s.Size())
	assert.False(t, s.IsMember(b))
}
