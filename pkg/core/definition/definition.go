package definition

import (
	"encoding/json"
	"fmt"

	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/robfig/cron/v3"
)

// DefaultsOptionKey 图选项中对所有任务生效的默认值分组
const DefaultsOptionKey = "defaults"

// TaskDefinition 任务定义（对外导出）
// ImplementsTask为空且RunJob非空时即为基础任务定义（BaseTaskDefinition）
type TaskDefinition struct {
	FriendlyName       string                 `json:"friendlyName" yaml:"friendlyName"`
	InjectableName     string                 `json:"injectableName" yaml:"injectableName"`
	ImplementsTask     string                 `json:"implementsTask,omitempty" yaml:"implementsTask,omitempty"`
	RunJob             string                 `json:"runJob,omitempty" yaml:"runJob,omitempty"`
	RequiredOptions    []string               `json:"requiredOptions,omitempty" yaml:"requiredOptions,omitempty"`
	RequiredProperties map[string]interface{} `json:"requiredProperties,omitempty" yaml:"requiredProperties,omitempty"`
	Options            map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
	Properties         map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// BaseTaskDefinition 基础任务定义，提供runJob与必需选项/属性约束
type BaseTaskDefinition = TaskDefinition

// IsBaseTask 是否为基础任务定义
func (d *TaskDefinition) IsBaseTask() bool {
	return d.ImplementsTask == "" && d.RunJob != ""
}

// Validate 校验任务定义的必填字段
func (d *TaskDefinition) Validate() error {
	if d == nil {
		return types.NewBadRequestError("任务定义不能为空")
	}
	if d.InjectableName == "" {
		return types.NewBadRequestError("任务定义缺少injectableName")
	}
	if d.FriendlyName == "" {
		return types.NewBadRequestError("任务定义 %s 缺少friendlyName", d.InjectableName)
	}
	if d.ImplementsTask == "" && d.RunJob == "" {
		return types.NewBadRequestError("任务定义 %s 必须指定implementsTask或runJob", d.InjectableName)
	}
	if d.ImplementsTask != "" && d.RunJob != "" {
		return types.NewBadRequestError("任务定义 %s 不能同时指定implementsTask和runJob", d.InjectableName)
	}
	if d.ImplementsTask == d.InjectableName {
		return types.NewBadRequestError("任务定义 %s 不能实现自身", d.InjectableName)
	}
	return nil
}

// Clone 深拷贝任务定义
func (d *TaskDefinition) Clone() (*TaskDefinition, error) {
	var copied TaskDefinition
	if err := deepCopy(d, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}

// TaskEntry 图定义中的一个任务条目
type TaskEntry struct {
	Label          string                     `json:"label" yaml:"label"`
	TaskName       string                     `json:"taskName,omitempty" yaml:"taskName,omitempty"`
	TaskDefinition *TaskDefinition            `json:"taskDefinition,omitempty" yaml:"taskDefinition,omitempty"`
	WaitOn         map[string]types.StateList `json:"waitOn,omitempty" yaml:"waitOn,omitempty"`
	IgnoreFailure  bool                       `json:"ignoreFailure,omitempty" yaml:"ignoreFailure,omitempty"`
	// Options 任务条目专属选项，优先级最高
	Options map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
}

// GraphDefinition 图定义模板（对外导出）
type GraphDefinition struct {
	FriendlyName   string                            `json:"friendlyName" yaml:"friendlyName"`
	InjectableName string                            `json:"injectableName" yaml:"injectableName"`
	Tasks          []TaskEntry                       `json:"tasks" yaml:"tasks"`
	Options        map[string]map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
	// ServiceGraph 服务图：引擎启动时自动运行，结束后自动重启
	ServiceGraph bool `json:"serviceGraph,omitempty" yaml:"serviceGraph,omitempty"`
	// Schedule 可选的cron表达式（支持秒级），由定时触发器周期性启动
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// cronParser 与定时触发器使用相同的解析规则
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule 解析图定义中的cron表达式
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

// Validate 校验图定义的结构（不解析任务定义引用）
func (g *GraphDefinition) Validate() error {
	if g == nil {
		return types.NewBadRequestError("图定义不能为空")
	}
	if g.InjectableName == "" {
		return types.NewBadRequestError("图定义缺少injectableName")
	}
	if g.FriendlyName == "" {
		return types.NewBadRequestError("图定义 %s 缺少friendlyName", g.InjectableName)
	}
	if len(g.Tasks) == 0 {
		return types.NewBadRequestError("图定义 %s 不包含任何任务", g.InjectableName)
	}

	labels := make(map[string]struct{}, len(g.Tasks))
	for i, entry := range g.Tasks {
		if entry.Label == "" {
			return types.NewBadRequestError("图定义 %s 的第%d个任务缺少label", g.InjectableName, i)
		}
		if _, exists := labels[entry.Label]; exists {
			return types.NewBadRequestError("图定义 %s 包含重复的任务label: %s", g.InjectableName, entry.Label)
		}
		labels[entry.Label] = struct{}{}

		if entry.TaskName == "" && entry.TaskDefinition == nil {
			return types.NewBadRequestError("任务 %s 必须指定taskName或taskDefinition", entry.Label)
		}
		if entry.TaskName != "" && entry.TaskDefinition != nil {
			return types.NewBadRequestError("任务 %s 不能同时指定taskName和taskDefinition", entry.Label)
		}
		if entry.TaskDefinition != nil {
			if err := entry.TaskDefinition.Validate(); err != nil {
				return err
			}
		}
	}

	for _, entry := range g.Tasks {
		for dep, states := range entry.WaitOn {
			if dep == entry.Label {
				return types.NewBadRequestError("任务 %s 不能等待自身", entry.Label)
			}
			if _, ok := labels[dep]; !ok {
				return types.NewBadRequestError("任务 %s 等待的任务 %s 不存在", entry.Label, dep)
			}
			if err := states.Validate(); err != nil {
				return types.NewBadRequestError("任务 %s 的waitOn无效: %v", entry.Label, err)
			}
		}
	}

	if g.Schedule != "" {
		if _, err := ParseSchedule(g.Schedule); err != nil {
			return types.NewBadRequestError("图定义 %s 的schedule无效: %v", g.InjectableName, err)
		}
	}
	return nil
}

// Labels 按定义顺序返回所有任务label
func (g *GraphDefinition) Labels() []string {
	labels := make([]string, 0, len(g.Tasks))
	for _, entry := range g.Tasks {
		labels = append(labels, entry.Label)
	}
	return labels
}

// Clone 深拷贝图定义
func (g *GraphDefinition) Clone() (*GraphDefinition, error) {
	var copied GraphDefinition
	if err := deepCopy(g, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}

func deepCopy(src, dst interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("序列化定义失败: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("反序列化定义失败: %w", err)
	}
	return nil
}
