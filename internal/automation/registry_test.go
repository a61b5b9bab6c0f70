package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopFactory(ctx *Ctx) (Automation, error) {
	return &scriptedAutomation{}, nil
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Info{Name: "a", Factory: noopFactory}))
	assert.Equal(t, []string{"a"}, r.Names())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Info{Name: "a", Factory: noopFactory}))
	err := r.Register(Info{Name: "a", Factory: noopFactory})
	assert.Error(t, err)
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(Info{Name: "", Factory: noopFactory}))
	assert.Error(t, r.Register(Info{Name: "a", Factory: nil}))
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Info{Name: "zebra", Factory: noopFactory}))
	require.NoError(t, r.Register(Info{Name: "apple", Factory: noopFactory}))
	require.NoError(t, r.Register(Info{Name: "mango", Factory: noopFactory}))

	assert.Equal(t, []string{"apple", "mango", "zebra"}, r.Names())
}

func TestGlobalRegisterPanicsOnDuplicate(t *testing.T) {
	ClearGlobal()
	defer ClearGlobal()

	Register(Info{Name: "dup", Factory: noopFactory})
	assert.Panics(t, func() {
		Register(Info{Name: "dup", Factory: noopFactory})
	})
}
