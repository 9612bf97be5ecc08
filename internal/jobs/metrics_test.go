package jobs

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}

	if got := len(m.Collectors()); got != 4 {
		t.Errorf("expected 4 collectors, got %d", got)
	}
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m.Register(reg); err != nil {
			t.Errorf("Register() returned error: %v", err)
		}

		m.IncJobsTotal(JobTypeIdempotencyCleanup, StatusSuccess)
		m.ObserveJobDuration(JobTypeIdempotencyCleanup, 1.0)
		m.IncJobErrors(JobTypeIdempotencyCleanup, "timeout")
		m.AddItems(JobTypeIdempotencyCleanup, 3)

		families, err := reg.Gather()
		if err != nil {
			t.Errorf("Gather() returned error: %v", err)
		}

		expectedNames := map[string]bool{
			MetricJobsTotal:       false,
			MetricJobsDuration:    false,
			MetricJobErrorsTotal:  false,
			MetricJobItemsTouched: false,
		}
		for _, family := range families {
			if _, ok := expectedNames[family.GetName()]; ok {
				expectedNames[family.GetName()] = true
			}
		}
		for name, found := range expectedNames {
			if !found {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := NewMetrics().Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}
		if err := NewMetrics().Register(reg); err == nil {
			t.Error("second Register() should have returned an error")
		}
	})
}

func getCounterVecValue(vec *prometheus.CounterVec, labels ...string) float64 {
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return -1
	}
	var m dto.Metric
	if err := counter.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func getHistogramVecSampleCount(vec *prometheus.HistogramVec, labels ...string) uint64 {
	observer, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	metric, ok := observer.(prometheus.Metric)
	if !ok {
		return 0
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetrics_IncJobsTotal(t *testing.T) {
	m := NewMetrics()

	testCases := []struct {
		jobType string
		status  string
		count   int
	}{
		{JobTypeIdempotencyCleanup, StatusSuccess, 10},
		{JobTypeIdempotencyCleanup, StatusFailure, 2},
		{JobTypeReceiptArchive, StatusSuccess, 5},
	}

	for _, tc := range testCases {
		for i := 0; i < tc.count; i++ {
			m.IncJobsTotal(tc.jobType, tc.status)
		}
		if got := getCounterVecValue(m.jobsTotal, tc.jobType, tc.status); got != float64(tc.count) {
			t.Errorf("value for %s/%s = %f, want %d", tc.jobType, tc.status, got, tc.count)
		}
	}
}

func TestMetrics_AddItemsIgnoresNonPositive(t *testing.T) {
	m := NewMetrics()

	m.AddItems(JobTypeReceiptArchive, 4)
	m.AddItems(JobTypeReceiptArchive, 0)
	m.AddItems(JobTypeReceiptArchive, -2)

	if got := getCounterVecValue(m.itemsTouched, JobTypeReceiptArchive); got != 4 {
		t.Errorf("items = %f, want 4", got)
	}
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	iterations := 100
	goroutines := 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.IncJobsTotal(JobTypeReceiptArchive, StatusSuccess)
				m.ObserveJobDuration(JobTypeReceiptArchive, 0.2)
				m.IncJobErrors(JobTypeReceiptArchive, "error")
			}
		}()
	}
	wg.Wait()

	expected := float64(goroutines * iterations)
	if got := getCounterVecValue(m.jobsTotal, JobTypeReceiptArchive, StatusSuccess); got != expected {
		t.Errorf("jobsTotal = %f, want %f", got, expected)
	}
	if got := getCounterVecValue(m.jobErrors, JobTypeReceiptArchive, "error"); got != expected {
		t.Errorf("jobErrors = %f, want %f", got, expected)
	}
	if got := getHistogramVecSampleCount(m.jobsDuration, JobTypeReceiptArchive); got != uint64(expected) {
		t.Errorf("jobsDuration sample count = %d, want %d", got, uint64(expected))
	}
}
