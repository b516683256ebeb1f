package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-slots/internal/model"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(100, 300, 30*time.Second)

	c.AllocationInc("direct")
	c.AllocationInc("direct")
	c.AllocationInc("waitlist")
	c.TransitionInc(model.StateConfirmed)
	c.InvalidTransitionInc()
	c.PromotionInc()
	c.DeviationInc("opened")
	c.PositionInc(model.OriginVehicle)
	c.NoDeterminationInc()
	c.OpObserve("request_slot", 3*time.Millisecond)
	c.DroppedInc("decode")
	c.FillInc(model.FillAutomatic)
	c.CatalogRefreshed(12, nil)
	c.CatalogRefreshed(0, errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Allocations.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Allocations.WithLabelValues("waitlist")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transitions.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.InvalidTransitions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Promotions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Deviations.WithLabelValues("opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Positions.WithLabelValues("vehicle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NoDetermination))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IngestDropped.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Fills.WithLabelValues("automatic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CatalogRefreshes.WithLabelValues("error")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.CatalogDepartures))
	assert.Equal(t, 1, testutil.CollectAndCount(c.OpDuration))
	assert.Equal(t, 300.0, testutil.ToFloat64(c.DeviationRadius))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.SweepInterval))
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := NewCollector(100, 300, time.Second)
	c.PromotionInc()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "slots_promotions_total 1"))
	assert.True(t, strings.Contains(string(body), "slots_confirmation_radius_meters 100"))
}
