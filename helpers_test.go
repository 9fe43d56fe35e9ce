package amqp

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var testCmpOpts = cmp.Options{
	cmpopts.EquateEmpty(),
}

func testEqual(x, y interface{}) bool {
	return cmp.Equal(x, y, testCmpOpts...)
}

func testDiff(x, y interface{}) string {
	return cmp.Diff(x, y, testCmpOpts...)
}
