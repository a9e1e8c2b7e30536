package observability

// Metrics provides application metrics capabilities.
// Instruments are identified by name; label keys are fixed at creation
// and label values are supplied per observation, in the same order.
type Metrics interface {
	// Counter returns a monotonically increasing metric instrument.
	Counter(name, description string, labelKeys ...string) Counter

	// Gauge returns a settable metric instrument.
	Gauge(name, description string, labelKeys ...string) Gauge
}

// Counter is a monotonically increasing metric.
type Counter interface {
	// Add increments the counter by the given value.
	Add(value float64, labelValues ...string)

	// Increment increments the counter by 1.
	Increment(labelValues ...string)
}

// Gauge is a metric whose value can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64, labelValues ...string)
}
