package asynq

// Queue names shared by every asynq server in the deployment. Weights are
// configured where the server is constructed.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
