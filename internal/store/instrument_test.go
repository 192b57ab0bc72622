package store

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/pkg/metrics"
)

func TestInstrumentedCountsResults(t *testing.T) {
	ctx := context.Background()
	s := Instrument("instrument-test", NewMemoryStore("m"))

	okBefore := testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("instrument-test", "get", "ok"))
	errBefore := testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("instrument-test", "get", "error"))

	p := post.New("t", "c", time.Now())
	_, err := s.Put(ctx, p)
	require.NoError(t, err)
	_, err = s.Get(ctx, p.ID)
	require.NoError(t, err)
	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, okBefore+1, testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("instrument-test", "get", "ok")))
	require.Equal(t, errBefore+1, testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("instrument-test", "get", "error")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("instrument-test", "put", "ok")))
}
