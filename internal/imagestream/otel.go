package imagestream

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "slamcar-console/internal/imagestream"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
