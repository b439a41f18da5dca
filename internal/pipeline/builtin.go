package pipeline

// Built-in pipeline names.
const (
	ETL        = "etl"
	JobTracker = "job-tracker"
	MapAsync   = "map-async"
	Routing    = "router"
)

// Builtins returns fresh copies of the pipelines stagecoach ships with.
func Builtins() []*Pipeline {
	return []*Pipeline{
		{
			Name:   ETL,
			Policy: PolicyStrict,
			Stages: []Stage{
				{Name: "Initialize", Percentage: 25, Status: "initialized", DetailType: "InitializationComplete"},
				{Name: "Enhance", Percentage: 50, Status: "enhanced", DetailType: "EnhancerComplete"},
				{Name: "Transform", Percentage: 75, Status: "transformed", DetailType: "TransformerComplete"},
				{Name: "Load", Percentage: 90, Status: "loaded", DetailType: "LoaderComplete"},
				{Name: "Complete", Percentage: 100, Status: "completed", DetailType: "PipelineComplete"},
			},
			FailureStage:      "Failed",
			FailureDetailType: "PipelineFailed",
		},
		{
			Name:   JobTracker,
			Policy: PolicyForward,
			Stages: []Stage{
				{Name: "Started", Percentage: 0, Status: "started", DetailType: "JobStarted"},
				{Name: "Completed", Percentage: 100, Status: "completed", DetailType: "JobCompleted"},
			},
			FailureStage:      "Failed",
			FailureDetailType: "JobFailed",
		},
		{
			Name:   MapAsync,
			Policy: PolicyStrict,
			Stages: []Stage{
				{Name: "Submitted", Percentage: 10, Status: "submitted", DetailType: "WorkSubmitted"},
				{Name: "Processing", Percentage: 50, Status: "processed", DetailType: "WorkProcessed", Deferred: true},
				{Name: "Done", Percentage: 100, Status: "done", DetailType: "WorkDone"},
			},
			FailureStage:      "Failed",
			FailureDetailType: "WorkFailed",
		},
		{
			Name:   Routing,
			Policy: PolicyStrict,
			Stages: []Stage{
				{Name: "Received", Percentage: 0, Status: "received", DetailType: "EventReceived"},
				{Name: "Routed", Percentage: 50, Status: "routed", DetailType: "EventRouted", Branch: true},
				{Name: "Delivered", Percentage: 100, Status: "delivered", DetailType: "EventDelivered"},
			},
			FailureStage:      "Failed",
			FailureDetailType: "RoutingFailed",
		},
	}
}

// BuiltinSet returns the built-ins indexed by name.
func BuiltinSet() Set {
	s, err := NewSet(Builtins()...)
	if err != nil {
		panic(err) // built-ins are static
	}
	return s
}
