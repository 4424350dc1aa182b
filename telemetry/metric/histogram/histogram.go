//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

// Package histogram provides histogram instruments whose bucket boundaries
// can be changed at runtime. Superstep durations and batch sizes vary by
// orders of magnitude between workloads, so fixed default buckets rarely fit.
package histogram

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// keyMetricName is the instrumentation scope attribute carrying the metric
// name. Scoping each instrument to its own meter lets bucket changes take
// effect without touching other instruments.
const keyMetricName = "metric.name"

// scopeMeter returns a meter scoped to a single metric. A fresh meter per
// rebuild is required for bucket changes to take effect on some providers.
func scopeMeter(mp metric.MeterProvider, meterName, metricName string) metric.Meter {
	return mp.Meter(meterName, metric.WithInstrumentationAttributes(attribute.String(keyMetricName, metricName)))
}

// DynamicFloat64Histogram wraps a Float64Histogram so its bucket boundaries
// can be replaced at runtime by recreating the underlying instrument.
type DynamicFloat64Histogram struct {
	provider   metric.MeterProvider
	meterName  string
	metricName string
	baseOpts   []metric.Float64HistogramOption

	mu   sync.RWMutex
	inst metric.Float64Histogram
}

// NewDynamicFloat64Histogram creates a dynamic float64 histogram. The meter
// provider, meter name, and options are retained for later recreation.
func NewDynamicFloat64Histogram(
	mp metric.MeterProvider,
	meterName string,
	metricName string,
	options ...metric.Float64HistogramOption,
) (*DynamicFloat64Histogram, error) {
	if mp == nil {
		return nil, fmt.Errorf("meter provider is nil")
	}
	d := &DynamicFloat64Histogram{
		provider:   mp,
		meterName:  meterName,
		metricName: metricName,
		baseOpts:   options,
	}
	if err := d.rebuild(nil); err != nil {
		return nil, err
	}
	return d, nil
}

// Record records a value with the current instrument. Safe for concurrent
// use with SetBuckets.
func (d *DynamicFloat64Histogram) Record(ctx context.Context, value float64, opts ...metric.RecordOption) {
	d.mu.RLock()
	inst := d.inst
	d.mu.RUnlock()
	inst.Record(ctx, value, opts...)
}

// SetBuckets replaces the bucket boundaries by recreating the instrument.
// Values recorded before the change stay in the old instrument's stream.
func (d *DynamicFloat64Histogram) SetBuckets(boundaries []float64) error {
	return d.rebuild(boundaries)
}

func (d *DynamicFloat64Histogram) rebuild(boundaries []float64) error {
	opts := d.baseOpts
	if len(boundaries) > 0 {
		opts = append(append([]metric.Float64HistogramOption{}, d.baseOpts...),
			metric.WithExplicitBucketBoundaries(boundaries...))
	}
	inst, err := scopeMeter(d.provider, d.meterName, d.metricName).Float64Histogram(d.metricName, opts...)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.inst = inst
	d.mu.Unlock()
	return nil
}

// DynamicInt64Histogram wraps an Int64Histogram so its bucket boundaries can
// be replaced at runtime by recreating the underlying instrument.
type DynamicInt64Histogram struct {
	provider   metric.MeterProvider
	meterName  string
	metricName string
	baseOpts   []metric.Int64HistogramOption

	mu   sync.RWMutex
	inst metric.Int64Histogram
}

// NewDynamicInt64Histogram creates a dynamic int64 histogram. The meter
// provider, meter name, and options are retained for later recreation.
func NewDynamicInt64Histogram(
	mp metric.MeterProvider,
	meterName string,
	metricName string,
	options ...metric.Int64HistogramOption,
) (*DynamicInt64Histogram, error) {
	if mp == nil {
		return nil, fmt.Errorf("meter provider is nil")
	}
	d := &DynamicInt64Histogram{
		provider:   mp,
		meterName:  meterName,
		metricName: metricName,
		baseOpts:   options,
	}
	if err := d.rebuild(nil); err != nil {
		return nil, err
	}
	return d, nil
}

// Record records a value with the current instrument. Safe for concurrent
// use with SetBuckets.
func (d *DynamicInt64Histogram) Record(ctx context.Context, value int64, opts ...metric.RecordOption) {
	d.mu.RLock()
	inst := d.inst
	d.mu.RUnlock()
	inst.Record(ctx, value, opts...)
}

// SetBuckets replaces the bucket boundaries by recreating the instrument.
// Values recorded before the change stay in the old instrument's stream.
func (d *DynamicInt64Histogram) SetBuckets(boundaries []float64) error {
	return d.rebuild(boundaries)
}

func (d *DynamicInt64Histogram) rebuild(boundaries []float64) error {
	opts := d.baseOpts
	if len(boundaries) > 0 {
		opts = append(append([]metric.Int64HistogramOption{}, d.baseOpts...),
			metric.WithExplicitBucketBoundaries(boundaries...))
	}
	inst, err := scopeMeter(d.provider, d.meterName, d.metricName).Int64Histogram(d.metricName, opts...)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.inst = inst
	d.mu.Unlock()
	return nil
}
