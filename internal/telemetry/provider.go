// Copyright 2026 The Forge Control Plane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Provider bundles the promauto-based Registry with an OTel MeterProvider
// whose Prometheus exporter is registered into the same prometheus.Registerer,
// so `Meter` instruments and `Registry` counters surface on one /metrics
// endpoint without the caller wiring two collectors by hand.
type Provider struct {
	Registry *Registry
	Meter    *Meter

	sdk *sdkmetric.MeterProvider
}

// NewProvider constructs a Provider against reg. Pass prometheus.NewRegistry()
// in tests; in production pass the *prometheus.Registry the /metrics handler
// serves. Both the OTel exporter and the Registry counters register into it.
func NewProvider(reg *prometheus.Registry) (*Provider, error) {
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	sdk := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	meter, err := NewMeter(sdk.Meter("github.com/forgeline/controlplane"))
	if err != nil {
		return nil, err
	}

	return &Provider{
		Registry: New(reg),
		Meter:    meter,
		sdk:      sdk,
	}, nil
}

// Shutdown flushes and stops the OTel SDK MeterProvider. The promauto
// Registry has no shutdown step; its collectors live as long as reg does.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.sdk.Shutdown(ctx)
}
