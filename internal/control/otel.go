package control

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "slamcar-console/internal/control"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
