package realtime

import "expvar"

type metrics struct {
	queues   *expvar.Int
	viewers  *expvar.Int
	messages *expvar.Int
}

var sharedMetrics = &metrics{
	queues:   expvar.NewInt("realtime_queues_watched"),
	viewers:  expvar.NewInt("realtime_viewers"),
	messages: expvar.NewInt("realtime_messages_total"),
}
