package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/LENAX/task-graph/pkg/cli/output"
	"github.com/LENAX/task-graph/pkg/core/definition"
	"github.com/LENAX/task-graph/pkg/core/engine"
	"github.com/spf13/cobra"
)

var deleteTaskDefinition bool

// definitionCmd definition子命令
var definitionCmd = &cobra.Command{
	Use:     "definition",
	Aliases: []string{"def"},
	Short:   "图定义与任务定义管理命令",
}

// definitionGraphsCmd 列出图定义
var definitionGraphsCmd = &cobra.Command{
	Use:   "graphs",
	Short: "列出图定义",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(eng *engine.Engine) error {
			defs, err := eng.Service().GetGraphDefinitions(context.Background(), "")
			if err != nil {
				return err
			}
			if outputJSON {
				return output.PrintJSON(defs)
			}
			table := output.NewTable([]string{"NAME", "FRIENDLY_NAME", "TASKS", "SERVICE", "SCHEDULE"})
			for _, def := range defs {
				service := ""
				if def.ServiceGraph {
					service = "yes"
				}
				table.AddRow([]string{def.InjectableName, def.FriendlyName, fmt.Sprint(len(def.Tasks)), service, def.Schedule})
			}
			table.Render()
			return nil
		})
	},
}

// definitionTasksCmd 列出任务定义
var definitionTasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "列出任务定义",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(eng *engine.Engine) error {
			defs, err := eng.Service().GetTaskDefinitions(context.Background(), "")
			if err != nil {
				return err
			}
			if outputJSON {
				return output.PrintJSON(defs)
			}
			table := output.NewTable([]string{"NAME", "FRIENDLY_NAME", "IMPLEMENTS", "JOB"})
			for _, def := range defs {
				table.AddRow([]string{def.InjectableName, def.FriendlyName, def.ImplementsTask, def.RunJob})
			}
			table.Render()
			return nil
		})
	},
}

// definitionShowCmd 查看定义
var definitionShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "查看图定义或任务定义",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(eng *engine.Engine) error {
			ctx := context.Background()
			graphs, err := eng.Service().GetGraphDefinitions(ctx, args[0])
			if err != nil {
				return err
			}
			if len(graphs) > 0 {
				return output.PrintJSON(graphs[0])
			}
			tasks, err := eng.Service().GetTaskDefinitions(ctx, args[0])
			if err != nil {
				return err
			}
			if len(tasks) > 0 {
				return output.PrintJSON(tasks[0])
			}
			output.Error("定义不存在: %s", args[0])
			return fmt.Errorf("定义不存在: %s", args[0])
		})
	},
}

// definitionApplyCmd 导入定义文件
var definitionApplyCmd = &cobra.Command{
	Use:   "apply <file>...",
	Short: "导入YAML/JSON定义文件",
	Long:  `校验并保存文件中的任务定义与图定义。任务定义先于图定义写入，任何图定义无效时命令失败。`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog := &definition.Catalog{}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			parsed, err := definition.Parse(data)
			if err != nil {
				return fmt.Errorf("解析 %s 失败: %w", path, err)
			}
			catalog.Tasks = append(catalog.Tasks, parsed.Tasks...)
			catalog.Graphs = append(catalog.Graphs, parsed.Graphs...)
		}

		return withEngine(context.Background(), func(eng *engine.Engine) error {
			ctx := context.Background()
			for _, def := range catalog.Tasks {
				if err := eng.Service().DefineTask(ctx, def); err != nil {
					output.Error("任务定义 %s 无效: %v", def.InjectableName, err)
					return err
				}
			}
			var names []string
			for _, def := range catalog.Graphs {
				name, err := eng.Service().DefineTaskGraph(ctx, def)
				if err != nil {
					output.Error("图定义 %s 无效: %v", def.InjectableName, err)
					return err
				}
				names = append(names, name)
			}
			output.Success("已导入 %d 个任务定义, %d 个图定义 %s", len(catalog.Tasks), len(names), strings.Join(names, " "))
			return nil
		})
	},
}

// definitionDeleteCmd 删除定义
var definitionDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "删除图定义（--task删除任务定义）",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(eng *engine.Engine) error {
			var err error
			if deleteTaskDefinition {
				err = eng.Service().DeleteTaskDefinition(context.Background(), args[0])
			} else {
				err = eng.Service().DestroyGraphDefinition(context.Background(), args[0])
			}
			if err != nil {
				output.Error("删除失败: %v", err)
				return err
			}
			output.Success("已删除: %s", args[0])
			return nil
		})
	},
}

func init() {
	definitionDeleteCmd.Flags().BoolVar(&deleteTaskDefinition, "task", false, "删除任务定义")

	definitionCmd.AddCommand(definitionGraphsCmd)
	definitionCmd.AddCommand(definitionTasksCmd)
	definitionCmd.AddCommand(definitionShowCmd)
	definitionCmd.AddCommand(definitionApplyCmd)
	definitionCmd.AddCommand(definitionDeleteCmd)
}
