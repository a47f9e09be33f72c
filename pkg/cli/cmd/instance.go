package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/LENAX/task-graph/pkg/cli/output"
	"github.com/LENAX/task-graph/pkg/core/engine"
	"github.com/LENAX/task-graph/pkg/core/graph"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	instanceStatus string
	instanceTarget string
	instanceName   string
	instanceLimit  int
	instanceSkip   int
)

// instanceCmd instance子命令
var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "图实例管理命令",
	Long:  `管理图实例，包括列出、查看状态、取消和删除。`,
}

// instanceListCmd 列出图实例
var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出图实例",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(eng *engine.Engine) error {
			graphs, err := eng.Service().GetWorkflows(context.Background(), storage.GraphFilter{
				InjectableName: instanceName,
				Target:         instanceTarget,
				Status:         types.State(instanceStatus),
				Skip:           instanceSkip,
				Limit:          instanceLimit,
			})
			if err != nil {
				output.Error("查询失败: %v", err)
				return err
			}
			if outputJSON {
				return output.PrintJSON(graphs)
			}
			if len(graphs) == 0 {
				output.Info("暂无图实例")
				return nil
			}

			table := output.NewTable([]string{"INSTANCE_ID", "GRAPH", "TARGET", "STATUS", "PROGRESS", "CREATED"})
			for _, g := range graphs {
				done, total := progress(g)
				table.AddRow([]string{
					g.InstanceID,
					g.InjectableName,
					g.Target(),
					output.FormatState(g.Status),
					fmt.Sprintf("%d/%d", done, total),
					g.CreatedAt.Format("2006-01-02 15:04:05"),
				})
			}
			table.Render()
			fmt.Printf("\n总计: %d 条记录\n", len(graphs))
			return nil
		})
	},
}

// instanceStatusCmd 查看图实例状态
var instanceStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "查看图实例执行状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(eng *engine.Engine) error {
			g, err := eng.Service().GetWorkflowByID(context.Background(), args[0])
			if err != nil {
				output.Error("查询失败: %v", err)
				return err
			}
			if outputJSON {
				return output.PrintJSON(g)
			}
			printGraph(g)
			return nil
		})
	},
}

// instanceCancelCmd 取消图实例
var instanceCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "取消图实例",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(eng *engine.Engine) error {
			if _, err := eng.Service().CancelGraph(context.Background(), args[0]); err != nil {
				output.Error("取消失败: %v", err)
				return err
			}
			output.Success("图实例已取消: %s", args[0])
			return nil
		})
	},
}

// instanceDeleteCmd 删除图实例
var instanceDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "删除已结束的图实例",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(eng *engine.Engine) error {
			if _, err := eng.Service().DeleteGraph(context.Background(), args[0]); err != nil {
				output.Error("删除失败: %v", err)
				return err
			}
			output.Success("图实例已删除: %s", args[0])
			return nil
		})
	},
}

func init() {
	instanceListCmd.Flags().StringVar(&instanceStatus, "status", "", "按状态过滤")
	instanceListCmd.Flags().StringVar(&instanceTarget, "target", "", "按目标节点过滤")
	instanceListCmd.Flags().StringVar(&instanceName, "graph", "", "按图定义名过滤")
	instanceListCmd.Flags().IntVar(&instanceLimit, "limit", 20, "返回数量限制")
	instanceListCmd.Flags().IntVar(&instanceSkip, "skip", 0, "跳过的记录数")

	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceStatusCmd)
	instanceCmd.AddCommand(instanceCancelCmd)
	instanceCmd.AddCommand(instanceDeleteCmd)
}

// printGraph 打印图实例与各任务状态
func printGraph(g *graph.TaskGraph) {
	done, total := progress(g)
	fmt.Printf("Instance: %s\n", g.InstanceID)
	fmt.Printf("Graph:    %s\n", g.InjectableName)
	if target := g.Target(); target != "" {
		fmt.Printf("Target:   %s\n", target)
	}
	fmt.Printf("Status:   %s\n", output.FormatState(g.Status))
	fmt.Printf("Progress: %d/%d (%d%%)\n", done, total, calculatePercent(done, total))
	fmt.Printf("Created:  %s\n", g.CreatedAt.Format("2006-01-02 15:04:05"))

	labels := make([]string, 0, len(g.Tasks))
	byLabel := make(map[string]string, len(g.Tasks))
	for id, t := range g.Tasks {
		labels = append(labels, t.Label)
		byLabel[t.Label] = id
	}
	sort.Strings(labels)

	fmt.Println("\nTasks:")
	for _, label := range labels {
		t := g.Tasks[byLabel[label]]
		line := fmt.Sprintf("  %s %s  %s", output.StateIcon(t.State), label, t.State)
		if t.Error != "" {
			line += "  " + t.Error
		}
		fmt.Println(line)
	}
}

// progress 已结束任务数与任务总数
func progress(g *graph.TaskGraph) (int, int) {
	done := 0
	for _, t := range g.Tasks {
		if t.State.IsFinished() {
			done++
		}
	}
	return done, len(g.Tasks)
}

// calculatePercent 计算百分比
func calculatePercent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return completed * 100 / total
}
