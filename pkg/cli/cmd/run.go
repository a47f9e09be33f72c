package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LENAX/task-graph/pkg/cli/output"
	"github.com/LENAX/task-graph/pkg/core/engine"
	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/LENAX/task-graph/pkg/core/workflow"
	"github.com/spf13/cobra"
)

var (
	runTarget  string
	runDomain  string
	runOptions string
	runContext string
	runWait    bool
	runTimeout time.Duration
)

// runCmd 创建并运行图实例
var runCmd = &cobra.Command{
	Use:   "run <graph-name>",
	Short: "创建并运行图实例",
	Long: `按图定义名创建图实例并提交运行。

使用--wait时在本进程内启动引擎并等待图结束；
memory存储没有其他进程可以执行任务，总是等待。

示例：
  taskgraph run Graph.noop-example --wait
  taskgraph run Graph.discovery --target node-1 --options '{"defaults":{"timeout":30}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := workflow.RunRequest{Name: args[0], Target: runTarget, Domain: runDomain}
		if runOptions != "" {
			if err := json.Unmarshal([]byte(runOptions), &req.Options); err != nil {
				return fmt.Errorf("--options不是有效的JSON: %w", err)
			}
		}
		if runContext != "" {
			if err := json.Unmarshal([]byte(runContext), &req.Context); err != nil {
				return fmt.Errorf("--context不是有效的JSON: %w", err)
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		wait := runWait || cfg.GetDatabaseType() == "memory"
		eng, err := engine.NewEngineBuilder("").WithConfig(cfg).Build()
		if err != nil {
			return err
		}
		defer eng.Stop()

		ctx := context.Background()
		if wait {
			if err := eng.Start(ctx); err != nil {
				return err
			}
		} else if err := eng.SeedCatalog(ctx); err != nil {
			return err
		}

		g, err := eng.Service().CreateAndRunGraph(ctx, req)
		if err != nil {
			output.Error("运行失败: %v", err)
			return err
		}
		if !wait {
			if outputJSON {
				return output.PrintJSON(g)
			}
			output.Success("图已提交: %s (%s)", g.InstanceID, g.InjectableName)
			return nil
		}

		state, err := waitForGraph(ctx, eng, g.InstanceID, runTimeout)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		finished, err := eng.Service().GetWorkflowByID(ctx, g.InstanceID)
		if err != nil {
			return err
		}
		if outputJSON {
			return output.PrintJSON(finished)
		}
		printGraph(finished)
		if state != types.StateSucceeded {
			return fmt.Errorf("图 %s 结束状态为 %s", g.InstanceID, state)
		}
		return nil
	},
}

// waitForGraph 轮询图状态直到结束或超时
func waitForGraph(ctx context.Context, eng *engine.Engine, graphID string, timeout time.Duration) (types.State, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		obj, err := eng.Store().GetGraphObject(ctx, graphID)
		if err != nil {
			return "", err
		}
		if obj != nil && obj.Status.IsFinished() {
			return obj.Status, nil
		}
		select {
		case <-deadline:
			return "", fmt.Errorf("等待图 %s 结束超时", graphID)
		case <-ticker.C:
		}
	}
}

func init() {
	runCmd.Flags().StringVar(&runTarget, "target", "", "绑定的目标节点")
	runCmd.Flags().StringVar(&runDomain, "domain", "", "调度域，默认default")
	runCmd.Flags().StringVar(&runOptions, "options", "", "选项覆盖（JSON）")
	runCmd.Flags().StringVar(&runContext, "context", "", "初始共享上下文（JSON）")
	runCmd.Flags().BoolVarP(&runWait, "wait", "w", false, "在本进程内运行并等待结束")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 10*time.Minute, "等待超时")
}
