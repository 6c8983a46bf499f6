package core_test

import (
	"testing"

	"github.com/dargueta/ipgresize/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransactionClonesNewIndependently(t *testing.T) {
	view := buildMinimalView(t)
	tx := core.NewTransaction(view, nil)

	require.NotSame(t, tx.Old, tx.New)
	assert.True(t, tx.Bmap.IsEmpty())
	assert.True(t, tx.Imap.IsEmpty())

	tx.New.Super.InodesPerGroup = 999
	assert.NotEqual(t, tx.Old.Super.InodesPerGroup, tx.New.Super.InodesPerGroup)
}

func TestTransactionReportInvokesProgressAndAborts(t *testing.T) {
	var calls []uint64
	view := buildMinimalView(t)
	tx := core.NewTransaction(view, func(pass core.Pass, cur, max uint64) error {
		calls = append(calls, cur)
		if cur == max {
			return assertErr
		}
		return nil
	})

	grow := core.NewGrowTransaction(tx, 16, false)
	err := grow.Run()
	// The fake progress callback errors out on the final report, so the
	// whole growth transaction should surface ErrAborted.
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAborted)
	assert.NotEmpty(t, calls)
}

var assertErr = core.ErrAborted.WithMessage("synthetic stop")
