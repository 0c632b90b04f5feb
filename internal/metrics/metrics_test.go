package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsAreShared(t *testing.T) {
	before := testutil.ToFloat64(Appends().WithLabelValues("message"))
	Appends().WithLabelValues("message").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Appends().WithLabelValues("message")))

	WSConnections().Inc()
	WSConnections().Dec()
	assert.Equal(t, 0.0, testutil.ToFloat64(WSConnections()))

	Register() // idempotent
}
