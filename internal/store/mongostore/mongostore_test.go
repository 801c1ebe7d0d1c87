package mongostore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"medshare/internal/store"
	"medshare/internal/store/mongostore"
	"medshare/internal/store/storetest"
)

// Needs a replica set, e.g. MEDSHARE_TEST_MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func TestConformance(t *testing.T) {
	uri := os.Getenv("MEDSHARE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MEDSHARE_TEST_MONGO_URI not set")
	}
	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		n++
		ctx := context.Background()
		s, err := mongostore.Open(ctx, mongostore.Config{
			URI:      uri,
			Database: fmt.Sprintf("medshare_test_%d_%d", time.Now().UnixNano(), n),
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Drop(context.Background())
			s.Close()
		})
		return s
	})
}
