package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageKeyRoundTripAndOrder(t *testing.T) {
	k9 := GenMessageKey("th", 9)
	k10 := GenMessageKey("th", 10)
	assert.Less(t, k9, k10)

	tid, seq, err := ParseMessageKey(k10)
	require.NoError(t, err)
	assert.Equal(t, "th", tid)
	assert.Equal(t, uint64(10), seq)

	_, _, err = ParseMessageKey("t:th:x:1")
	assert.Error(t, err)
}

func TestOutboxKeyOrdersByDue(t *testing.T) {
	assert.Less(t, GenOutboxKey(5, "z"), GenOutboxKey(40, "a"))
	due, id, err := ParseOutboxKey(GenOutboxKey(40, "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(40), due)
	assert.Equal(t, "a", id)
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("dm.scope.a.b"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("a:b"))
	assert.Error(t, ValidateID("a b"))
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ob:smt"), PrefixUpperBound("ob:sms"))
	assert.Nil(t, PrefixUpperBound("\xff\xff"))
}
