package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/LENAX/task-graph/pkg/cli/output"
	"github.com/LENAX/task-graph/pkg/core/engine"
	"github.com/spf13/cobra"
)

// serveCmd 启动引擎进程
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动任务图引擎",
	Long: `按配置启动任务图引擎，直到收到SIGINT/SIGTERM。

进程承担的角色由配置决定：scheduler.enabled、runner.enabled、pollers.enabled。
多个进程连接同一数据库并使用 messenger.type=sql 即可组成集群。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			output.Error("加载配置失败: %v", err)
			return err
		}
		eng, err := engine.NewEngineBuilder("").WithConfig(cfg).Build()
		if err != nil {
			output.Error("创建引擎失败: %v", err)
			return err
		}

		ctx := context.Background()
		if err := eng.Start(ctx); err != nil {
			eng.Stop()
			output.Error("启动引擎失败: %v", err)
			return err
		}
		output.Success("任务图引擎已启动: %s", cfg.TaskGraph.General.InstanceName)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Println("正在关闭服务...")
		eng.Stop()
		return nil
	},
}
