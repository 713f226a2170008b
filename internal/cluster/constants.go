package cluster

import "time"

const (
	heartbeatSubjectPrefix = "cluster.heartbeat."
	requestSubjectPrefix   = "cluster.request."
	controlSubjectPrefix   = "cluster.control."
	dispatchSubjectPrefix  = "cluster.dispatch."
	metricsSubject         = "cluster.metrics"

	heartbeatWildcard = heartbeatSubjectPrefix + "*"
	requestWildcard   = requestSubjectPrefix + "*"

	defaultGracePeriod     = 10 * time.Second
	defaultRestartDelay    = 2 * time.Second
	defaultMetricsInterval = 60 * time.Second
	defaultCheckInterval   = 30 * time.Second

	// scaleStepRatio is the fraction of the current pool added per scale-up
	scaleStepRatio = 0.2
)
