package query

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	user  = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	asset = common.HexToAddress("0x000000000000000000000000000000000000AAAA")
)

func TestBuildHistoryQuery_UserOnly(t *testing.T) {
	q, args := buildHistoryQuery(HistoryFilter{User: user})

	assert.Contains(t, q, "WHERE account = $1")
	assert.Contains(t, q, "ORDER BY sequence DESC LIMIT $2")
	assert.NotContains(t, q, "asset = ")
	require.Len(t, args, 2)
	assert.Equal(t, user.Hex(), args[0])
	assert.Equal(t, DefaultHistoryLimit, args[1])
}

func TestBuildHistoryQuery_AllFilters(t *testing.T) {
	before := int64(99)
	q, args := buildHistoryQuery(HistoryFilter{
		User:           user,
		Asset:          &asset,
		EventTypes:     []string{"Deposited", "Withdrawn"},
		Limit:          10_000,
		BeforeSequence: &before,
	})

	assert.Contains(t, q, "asset = $2")
	assert.Contains(t, q, "event_type = ANY($3)")
	assert.Contains(t, q, "sequence < $4")
	assert.Contains(t, q, "LIMIT $5")
	require.Len(t, args, 5)
	assert.Equal(t, asset.Hex(), args[1])
	assert.Equal(t, pq.Array([]string{"Deposited", "Withdrawn"}), args[2])
	assert.Equal(t, int64(99), args[3])
	assert.Equal(t, MaxHistoryLimit, args[4])
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultHistoryLimit, clampLimit(0))
	assert.Equal(t, DefaultHistoryLimit, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxHistoryLimit, clampLimit(MaxHistoryLimit+1))
}
