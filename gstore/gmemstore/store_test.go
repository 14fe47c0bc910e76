package gmemstore_test

import (
	"testing"

	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/gordian-engine/gsubnet/gstore/gmemstore"
	"github.com/gordian-engine/gsubnet/gstore/gstoretest"
)

func TestStoreCompliance(t *testing.T) {
	t.Parallel()

	gstoretest.TestStoreCompliance(t, func(func(func())) (gstore.Store, error) {
		return gmemstore.New(), nil
	})
}
