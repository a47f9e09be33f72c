package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/LENAX/task-graph/pkg/core/definition"
)

// mergeTaskOptions 按优先级合并任务选项（对内使用）
// 优先级：任务条目选项 > 图中label专属覆盖 > 图defaults > 任务定义 > 基础任务定义
// 图defaults只作用于任务声明过（出现在任务选项或requiredOptions中）的键
func mergeTaskOptions(base, taskDef *definition.TaskDefinition, entry definition.TaskEntry, graphOptions map[string]map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for k, v := range base.Options {
		merged[k] = cloneValue(v)
	}
	if taskDef != base {
		for k, v := range taskDef.Options {
			merged[k] = cloneValue(v)
		}
	}

	declared := make(map[string]struct{}, len(merged))
	for k := range merged {
		declared[k] = struct{}{}
	}
	for _, k := range requiredOptions(base, taskDef) {
		declared[k] = struct{}{}
	}
	for k, v := range graphOptions[definition.DefaultsOptionKey] {
		if _, ok := declared[k]; ok {
			merged[k] = cloneValue(v)
		}
	}
	for k, v := range graphOptions[entry.Label] {
		merged[k] = cloneValue(v)
	}
	for k, v := range entry.Options {
		merged[k] = cloneValue(v)
	}
	return merged
}

// requiredOptions 基础任务与任务定义声明的必需选项并集
func requiredOptions(base, taskDef *definition.TaskDefinition) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, def := range []*definition.TaskDefinition{base, taskDef} {
		for _, k := range def.RequiredOptions {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// mergeProperties 深度合并属性，src覆盖dst
func mergeProperties(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{})
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[k] = mergeProperties(dstMap, srcMap)
			continue
		}
		dst[k] = cloneValue(v)
	}
	return dst
}

// lookupPath 按点分路径读取嵌套属性
func lookupPath(props map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = props
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// validateRequiredProperties 检查累积属性上下文是否满足所有必需属性
func validateRequiredProperties(label string, required, accumulated map[string]interface{}) error {
	for path, expected := range required {
		actual, ok := lookupPath(accumulated, path)
		if !ok {
			return fmt.Errorf("任务 %s 需要属性 %s，但之前的任务均未提供", label, path)
		}
		if !reflect.DeepEqual(normalize(actual), normalize(expected)) {
			return fmt.Errorf("任务 %s 需要属性 %s=%v，实际为 %v", label, path, expected, actual)
		}
	}
	return nil
}

// normalize 通过JSON往返统一数值与嵌套map的类型（YAML解析的int与JSON的float64）
func normalize(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return normalize(v)
	default:
		return v
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out, ok := normalize(m).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return out
}
