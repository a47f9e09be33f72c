package graph

import (
	"strings"

	"github.com/google/uuid"
)

// UUIDTemplate 图选项中唯一支持的模板占位符，渲染为新的UUID
const UUIDTemplate = "<%=uuid%>"

// RenderTemplateValue 渲染单个字符串中的模板占位符
// 返回渲染后的字符串和是否发生了替换；其它形式的占位符原样保留
func RenderTemplateValue(value string) (string, bool) {
	if !strings.Contains(value, UUIDTemplate) {
		return value, false
	}
	for strings.Contains(value, UUIDTemplate) {
		value = strings.Replace(value, UUIDTemplate, uuid.NewString(), 1)
	}
	return value, true
}

// renderOptions 递归渲染选项中的所有字符串值（原地修改）
func renderOptions(options map[string]interface{}) {
	for key, value := range options {
		options[key] = renderValue(value)
	}
}

func renderValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		rendered, _ := RenderTemplateValue(v)
		return rendered
	case map[string]interface{}:
		renderOptions(v)
		return v
	case []interface{}:
		for i := range v {
			v[i] = renderValue(v[i])
		}
		return v
	default:
		return value
	}
}
