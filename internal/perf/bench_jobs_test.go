package perf

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/invoicedesk/invoicedesk/internal/erp"
	"github.com/invoicedesk/invoicedesk/internal/gateway"
	jobmetrics "github.com/invoicedesk/invoicedesk/internal/jobs"
	"github.com/invoicedesk/invoicedesk/jobs"
)

type flakySyncer struct {
	failEvery int
	calls     int
}

func (f *flakySyncer) Retry(_ context.Context, invoiceID string) error {
	f.calls++
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		return &erp.StatusSyncError{InvoiceID: invoiceID, Err: &gateway.Error{Kind: gateway.FailureTransport}, Retryable: true}
	}
	return nil
}

func (f *flakySyncer) OpenInvoiceIDs(context.Context) ([]string, error) {
	return nil, nil
}

func TestStatusSyncThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := jobs.NewStatusSyncJob(&flakySyncer{failEvery: 20}, nil, nil, metrics)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		task, err := jobs.NewStatusSyncTask("inv-"+string(rune('a'+i%26)), 5)
		if err != nil {
			t.Fatalf("build task: %v", err)
		}
		err = job.Handle(ctx, task)
		var syncErr *erp.StatusSyncError
		if err != nil && !errors.As(err, &syncErr) {
			t.Fatalf("unexpected error type: %v", err)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "invoicedesk_jobs_total", map[string]string{"job": jobs.TaskStatusSync, "status": "success"})
	failure := metricValue(t, families, "invoicedesk_jobs_total", map[string]string{"job": jobs.TaskStatusSync, "status": "failure"})
	if success+failure != 200 {
		t.Fatalf("expected 200 recorded runs, got %v", success+failure)
	}
	ratio := success / (success + failure)
	if ratio < 0.9 {
		t.Fatalf("status sync success ratio too low: %f", ratio)
	}

	mean := histogramMean(t, families, "invoicedesk_jobs_duration_seconds", map[string]string{"job": jobs.TaskStatusSync})
	if mean > 0.05 {
		t.Fatalf("status sync handler overhead above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
