package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newRow(idx int, token string) *Position {
	return &Position{Index: idx, Token: token, Exchange: "NSE", Active: ActiveYes}
}

func TestPositionTable_PutAndGet(t *testing.T) {
	tbl := NewPositionTable()
	assert.True(t, tbl.Put(newRow(1, "500")))
	got := tbl.Get(1)
	assert.NotNil(t, got)
	assert.Equal(t, "500", got.Token)
}

func TestPositionTable_GetMissingReturnsNil(t *testing.T) {
	tbl := NewPositionTable()
	assert.Nil(t, tbl.Get(99))
}

func TestPositionTable_FreezeBlocksPutAndMutate(t *testing.T) {
	tbl := NewPositionTable()
	tbl.Put(newRow(1, "500"))
	tbl.Freeze()

	assert.False(t, tbl.Put(newRow(2, "501")))
	assert.False(t, tbl.Mutate(1, func(p *Position) { p.Active = ActiveNo }))
	assert.Equal(t, ActiveYes, tbl.Get(1).Active)
}

func TestPositionTable_MutateForCoBIgnoresFreeze(t *testing.T) {
	tbl := NewPositionTable()
	tbl.Put(newRow(1, "500"))
	tbl.Freeze()

	assert.True(t, tbl.MutateForCoB(1, func(p *Position) { p.Active = ActiveNo }))
	assert.Equal(t, ActiveNo, tbl.Get(1).Active)
}

func TestPositionTable_ByTokenExcludesOnesWithEntry(t *testing.T) {
	tbl := NewPositionTable()
	withEntry := newRow(1, "500")
	id := "E1"
	withEntry.EntryOrderID = &id
	tbl.Put(withEntry)
	tbl.Put(newRow(2, "500"))

	rows := tbl.ByToken("500")
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Index)
}

func TestPositionTable_InstrumentsDeduplicates(t *testing.T) {
	tbl := NewPositionTable()
	tbl.Put(newRow(1, "500"))
	tbl.Put(newRow(2, "500"))
	tbl.Put(newRow(3, "600"))

	keys := tbl.Instruments()
	assert.Len(t, keys, 2)
}

func TestPositionTable_AllOrderedByIndex(t *testing.T) {
	tbl := NewPositionTable()
	tbl.Put(newRow(3, "a"))
	tbl.Put(newRow(1, "a"))
	tbl.Put(newRow(2, "a"))

	rows := tbl.All()
	assert.Equal(t, []int{1, 2, 3}, []int{rows[0].Index, rows[1].Index, rows[2].Index})
}

func TestPositionTable_ActiveFiltersOutNAndS(t *testing.T) {
	tbl := NewPositionTable()
	tbl.Put(newRow(1, "a"))
	r2 := newRow(2, "a")
	r2.Active = ActiveNo
	tbl.Put(r2)
	r3 := newRow(3, "a")
	r3.Active = ActiveSLLocked
	tbl.Put(r3)

	rows := tbl.Active()
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Index)
}
