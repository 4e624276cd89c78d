package metrics

import (
	"testing"

	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMergesTotalIncrementsPerProject(t *testing.T) {
	is := is.New(t)

	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.MergesTotal.WithLabelValues("group/repo").Inc()
	m.MergesTotal.WithLabelValues("group/repo").Inc()
	m.MergesTotal.WithLabelValues("group/other").Inc()

	var out dto.Metric
	is.NoErr(m.MergesTotal.WithLabelValues("group/repo").Write(&out))
	is.Equal(out.Counter.GetValue(), float64(2))
}
