package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorMatchesByCode(t *testing.T) {
	noCapacity := &DomainError{Code: "NO_CAPACITY"}

	err := fmt.Errorf("reserve seat: %w", Domain("NO_CAPACITY", ReasonNoCapacity, "group %s is full", "G1"))

	assert.ErrorIs(t, err, noCapacity)
	assert.NotErrorIs(t, err, &DomainError{Code: "SCHEDULE_CONFLICT"})

	de, ok := AsDomain(err)
	require.True(t, ok)
	assert.Equal(t, ReasonNoCapacity, de.Reason)
	assert.Equal(t, "NO_CAPACITY: group G1 is full", de.Error())
}

func TestIsDomain(t *testing.T) {
	assert.False(t, IsDomain(errors.New("connection refused")))
	assert.False(t, IsDomain(nil))
	assert.True(t, IsDomain(Domain("X", ReasonInternal, "x")))
}

func TestIsInfrastructure(t *testing.T) {
	assert.True(t, IsInfrastructure(ReasonDependencyUnavailable))
	assert.True(t, IsInfrastructure(ReasonTimeout))
	assert.False(t, IsInfrastructure(ReasonNoCapacity))
}
