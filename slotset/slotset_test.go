package slotset

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/oar-team/oar-scheduler-go/bitmap"
	"github.com/oar-team/oar-scheduler-go/structs"
)

func fullRange() bitmap.ResourceBitmap {
	return bitmap.New(bitmap.Range{Begin: 1, End: 32})
}

func TestNew_SingleSlot(t *testing.T) {
	ss := New(0, 1000, fullRange())
	must.Eq(t, 1, ss.SlotCount())
	must.Eq(t, int64(0), ss.FirstSlot().Begin)
	must.Eq(t, int64(1000), ss.LastSlot().End)
	must.False(t, ss.FirstSlot().HasPrev())
	must.False(t, ss.FirstSlot().HasNext())
}

func TestSplitAt_Before(t *testing.T) {
	ss := New(0, 1000, fullRange())
	origID := ss.firstID
	newID, _ := ss.SplitAt(origID, 500, true)

	newSlot := ss.Get(newID)
	orig := ss.Get(origID)
	must.Eq(t, int64(0), newSlot.Begin)
	must.Eq(t, int64(499), newSlot.End)
	must.Eq(t, int64(500), orig.Begin)
	must.Eq(t, int64(1000), orig.End)
	must.Eq(t, orig.ID, newSlot.Next)
	must.Eq(t, newSlot.ID, orig.Prev)
	must.Eq(t, newID, ss.firstID)
	must.Eq(t, origID, ss.lastID)
}

func TestSplitAt_After(t *testing.T) {
	ss := New(0, 1000, fullRange())
	origID := ss.firstID
	newID, _ := ss.SplitAt(origID, 500, false)

	orig := ss.Get(origID)
	newSlot := ss.Get(newID)
	must.Eq(t, int64(0), orig.Begin)
	must.Eq(t, int64(499), orig.End)
	must.Eq(t, int64(500), newSlot.Begin)
	must.Eq(t, int64(1000), newSlot.End)
	must.Eq(t, newID, ss.lastID)
}

func TestSplitAt_PanicsOutOfRange(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for split time at slot begin")
		}
	}()
	ss := New(0, 1000, fullRange())
	ss.SplitAt(ss.firstID, 0, true)
}

func TestSlotAt(t *testing.T) {
	ss := New(0, 1000, fullRange())
	ss.SplitAt(ss.firstID, 500, true)

	must.NotNil(t, ss.SlotAt(0, 0))
	must.NotNil(t, ss.SlotAt(499, 0))
	must.NotNil(t, ss.SlotAt(500, 0))
	must.Nil(t, ss.SlotAt(1001, 0))
}

func TestSplitForRange(t *testing.T) {
	ss := New(0, 1000, fullRange())
	firstID, lastID, ok := ss.SplitForRange(200, 600, 0)
	must.True(t, ok)
	first := ss.Get(firstID)
	last := ss.Get(lastID)
	must.Eq(t, int64(200), first.Begin)
	must.Eq(t, int64(600), last.End)
	must.Eq(t, 3, ss.SlotCount())
}

func TestSplitForRange_DisjointReturnsFalse(t *testing.T) {
	ss := New(0, 1000, fullRange())
	_, _, ok := ss.SplitForRange(2000, 3000, 0)
	must.False(t, ok)
}

func TestIterator_Collect(t *testing.T) {
	ss := New(0, 1000, fullRange())
	ss.SplitAt(ss.firstID, 500, true)
	slots := ss.Iter().Collect()
	must.Eq(t, 2, len(slots))
	must.Eq(t, ss.firstID, slots[0].ID)
	must.Eq(t, ss.lastID, slots[1].ID)
}

func TestWidthIterator(t *testing.T) {
	ss := New(0, 999, fullRange())
	ss.SplitAt(ss.firstID, 300, true)
	ss.SplitAt(ss.lastID, 700, true)
	// slots now: [0,299] [300,699] [700,999]
	wi := ss.Iter().WithWidth(500)
	start, end := wi.Next()
	must.NotNil(t, start)
	must.True(t, end.End-start.Begin+1 >= 500)
}

func simpleJob(id structs.JobID, begin, end int64, resources bitmap.ResourceBitmap) *structs.Job {
	j := structs.NewJob(id, "default", "alice", nil, nil)
	j.Assignment = &structs.Assignment{Begin: begin, End: end, Resources: resources}
	return j
}

func TestCommitJob_SubtractsResources(t *testing.T) {
	ss := New(0, 1000, fullRange())
	job := simpleJob(1, 100, 200, bitmap.New(bitmap.Range{Begin: 1, End: 4}))
	_, _, ok := ss.CommitJob(job, true, false, nil, 0)
	must.True(t, ok)
	must.Eq(t, 3, ss.SlotCount())

	middle := ss.SlotAt(150, 0)
	must.False(t, bitmap.IsSubset(bitmap.New(bitmap.Range{Begin: 1, End: 4}), middle.Resources))
	first := ss.SlotAt(0, 0)
	must.True(t, bitmap.IsSubset(bitmap.New(bitmap.Range{Begin: 1, End: 4}), first.Resources))
}

func TestCommitJob_AddReturnsResources(t *testing.T) {
	ss := New(0, 1000, fullRange())
	job := simpleJob(1, 100, 200, bitmap.New(bitmap.Range{Begin: 1, End: 4}))
	ss.CommitJob(job, true, false, nil, 0)
	ss.CommitJob(job, false, false, nil, 0)

	middle := ss.SlotAt(150, 0)
	must.True(t, bitmap.IsSubset(bitmap.New(bitmap.Range{Begin: 1, End: 4}), middle.Resources))
}

func TestIntersectResources_TimeSharing(t *testing.T) {
	ss := New(0, 1000, bitmap.New(bitmap.Range{Begin: 5, End: 8}))
	job := structs.NewJob(1, "default", "alice", nil, structs.RawAttrs{"timesharing": "*,*"})
	job.Assignment = &structs.Assignment{Begin: 0, End: 999, Resources: bitmap.New(bitmap.Range{Begin: 1, End: 4})}
	firstID, lastID, _ := ss.CommitJob(job, true, false, nil, 0)

	without := ss.IntersectResources(firstID, lastID, "", "", false, "")
	must.False(t, bitmap.IsSubset(bitmap.New(bitmap.Range{Begin: 1, End: 4}), without))

	withTS := ss.IntersectResources(firstID, lastID, "*", "*", true, "")
	must.True(t, bitmap.IsSubset(bitmap.New(bitmap.Range{Begin: 1, End: 4}), withTS))
	must.Eq(t, uint64(8), withTS.Cardinality())
}
