package metrics

// Sink is the contract the broker exposes to surrounding services: every
// notable queue event is reported as a named value with tags. Collaborators
// plug in their own implementation; the broker never calls back into domain
// logic any other way.
type Sink interface {
	Record(name string, value float64, tags map[string]string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(name string, value float64, tags map[string]string)

func (f SinkFunc) Record(name string, value float64, tags map[string]string) {
	f(name, value, tags)
}

type nopSink struct{}

func (nopSink) Record(string, float64, map[string]string) {}

func NopSink() Sink {
	return nopSink{}
}

type prometheusSink struct{}

func (prometheusSink) Record(name string, value float64, tags map[string]string) {
	BrokerEventsTotal.WithLabelValues(name, tags["queue"]).Add(value)
}

// PrometheusSink reports events to the broker event counter. The queue tag
// becomes a label; remaining tags are already covered by the dedicated
// per-concern collectors.
func PrometheusSink() Sink {
	return prometheusSink{}
}
