package definition

import "github.com/LENAX/task-graph/pkg/core/types"

// BuiltinTaskDefinitions 内置的基础任务与任务定义
func BuiltinTaskDefinitions() []*TaskDefinition {
	return []*TaskDefinition{
		{
			FriendlyName:       "Base Noop Task",
			InjectableName:     "Task.Base.noop",
			RunJob:             "Job.noop",
			RequiredOptions:    []string{},
			RequiredProperties: map[string]interface{}{},
		},
		{
			FriendlyName:   "Noop Task",
			InjectableName: "Task.noop",
			ImplementsTask: "Task.Base.noop",
			Options:        map[string]interface{}{},
			Properties:     map[string]interface{}{},
		},
		{
			FriendlyName:       "Base Wait Task",
			InjectableName:     "Task.Base.wait",
			RunJob:             "Job.wait",
			RequiredOptions:    []string{"duration"},
			RequiredProperties: map[string]interface{}{},
		},
		{
			FriendlyName:   "Wait Task",
			InjectableName: "Task.wait",
			ImplementsTask: "Task.Base.wait",
			Options:        map[string]interface{}{"duration": 1000},
			Properties:     map[string]interface{}{},
		},
		{
			FriendlyName:       "Base Fail Task",
			InjectableName:     "Task.Base.fail",
			RunJob:             "Job.fail",
			RequiredOptions:    []string{},
			RequiredProperties: map[string]interface{}{},
		},
		{
			FriendlyName:   "Fail Task",
			InjectableName: "Task.fail",
			ImplementsTask: "Task.Base.fail",
			Options:        map[string]interface{}{"message": "task failed"},
			Properties:     map[string]interface{}{},
		},
	}
}

// BuiltinGraphDefinitions 内置图定义
func BuiltinGraphDefinitions() []*GraphDefinition {
	finished := types.StateList{types.StateFinished}
	return []*GraphDefinition{
		{
			FriendlyName:   "noop-graph",
			InjectableName: "Graph.noop-example",
			Tasks: []TaskEntry{
				{Label: "noop-1", TaskName: "Task.noop"},
				{Label: "noop-2", TaskName: "Task.noop", WaitOn: map[string]types.StateList{"noop-1": finished}},
				{
					Label:    "parallel-noop-1",
					TaskName: "Task.noop",
					WaitOn: map[string]types.StateList{
						"noop-1": finished,
						"noop-2": {types.StateFinished, types.StateTimeout},
					},
				},
				{
					Label:    "parallel-noop-2",
					TaskName: "Task.noop",
					WaitOn: map[string]types.StateList{
						"noop-1": finished,
						"noop-2": {types.StateFinished, types.StateTimeout},
					},
				},
			},
		},
	}
}
