package metrics

// Metric names
const (
	MetricNameSyncRuns          = "sync_runs_total"
	MetricNameSyncOperations    = "sync_operations_total"
	MetricNameSyncRunDuration   = "sync_run_duration_seconds"
	MetricNameSyncQueueDepth    = "sync_queue_depth"
	MetricNameSyncConflicts     = "sync_conflicts_total"
	MetricNameStoreEvictions    = "store_evicted_unsynced_total"
	MetricNameConnectivity      = "connectivity_online"
	MetricNameHTTPRequestsTotal = "remote_http_requests_total"
	MetricNameHTTPDuration      = "remote_http_request_duration_seconds"
)

// Help text
const (
	HelpTextSyncRuns          = "Total number of sync runs by trigger and outcome"
	HelpTextSyncOperations    = "Total number of queued operations by outcome"
	HelpTextSyncRunDuration   = "Sync run latency in seconds"
	HelpTextSyncQueueDepth    = "Operations in the queue by status"
	HelpTextSyncConflicts     = "Total number of records marked conflict during pull"
	HelpTextStoreEvictions    = "Total number of unsynced records dropped by the in-memory store"
	HelpTextConnectivity      = "1 when the remote system is reachable, 0 otherwise"
	HelpTextHTTPRequestsTotal = "Total number of requests served by the reference remote"
	HelpTextHTTPDuration      = "Reference remote request latency in seconds"
)

// Label names
const (
	LabelTrigger    = "trigger"
	LabelOutcome    = "outcome"
	LabelStatus     = "status"
	LabelMethod     = "method"
	LabelRoute      = "route"
	LabelCollection = "collection"
)

// Buckets
var (
	SyncLatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	HTTPLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)
