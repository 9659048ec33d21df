// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package page

import (
	"testing"

	testingpkg "github.com/LUPENGHAN/EASYDB/testing/testing_assert"
	"github.com/LUPENGHAN/EASYDB/types"
)

func TestRID(t *testing.T) {
	rid := RID{}
	rid.Set(types.NewPageID(1, 2), uint16(3))
	testingpkg.Equals(t, types.NewPageID(1, 2), rid.GetPageId())
	testingpkg.Equals(t, uint16(3), rid.GetSlotNum())

	buf := make([]byte, SizeOfRID)
	rid.SerializeTo(buf)
	testingpkg.Equals(t, rid, NewRIDFromBytes(buf))

	testingpkg.Assert(t, rid.Less(NewRID(types.NewPageID(1, 2), 4)), "slot order")
	testingpkg.Assert(t, rid.Less(NewRID(types.NewPageID(2, 0), 0)), "file order")
}
