package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog 从目录加载的定义集合
type Catalog struct {
	Graphs []*GraphDefinition
	Tasks  []*TaskDefinition
}

// LoadCatalog 递归加载目录下的YAML/JSON定义文件（对外导出）
// 一个文件可以包含多个YAML文档；包含tasks字段的文档视为图定义，其余视为任务定义
func LoadCatalog(dirs ...string) (*Catalog, error) {
	catalog := &Catalog{}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isDefinitionFile(path) {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("读取定义文件失败 %s: %w", path, err)
			}
			if err := catalog.parse(data); err != nil {
				return fmt.Errorf("解析定义文件失败 %s: %w", path, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// Parse 解析单个定义文档（可包含多个YAML文档或顶层数组）
func Parse(data []byte) (*Catalog, error) {
	catalog := &Catalog{}
	if err := catalog.parse(data); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (c *Catalog) parse(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc yaml.Node
		if err := decoder.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(doc.Content) == 0 {
			continue
		}
		root := doc.Content[0]
		switch root.Kind {
		case yaml.SequenceNode:
			for _, item := range root.Content {
				if err := c.addNode(item); err != nil {
					return err
				}
			}
		case yaml.MappingNode:
			if err := c.addNode(root); err != nil {
				return err
			}
		default:
			return fmt.Errorf("定义文档格式错误: line %d", root.Line)
		}
	}
}

func (c *Catalog) addNode(node *yaml.Node) error {
	if hasKey(node, "tasks") {
		var graph GraphDefinition
		if err := node.Decode(&graph); err != nil {
			return err
		}
		c.Graphs = append(c.Graphs, &graph)
		return nil
	}
	var task TaskDefinition
	if err := node.Decode(&task); err != nil {
		return err
	}
	c.Tasks = append(c.Tasks, &task)
	return nil
}

func hasKey(node *yaml.Node, key string) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
