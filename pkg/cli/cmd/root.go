package cmd

import (
	"context"
	"os"

	"github.com/LENAX/task-graph/pkg/config"
	"github.com/LENAX/task-graph/pkg/core/engine"
	"github.com/spf13/cobra"
)

var (
	// 全局变量
	configPath string
	outputJSON bool
)

// defaultConfigPaths 未指定--config时依次尝试的配置文件
var defaultConfigPaths = []string{
	"./configs/taskgraph.yaml",
	"./config/taskgraph.yaml",
	"./taskgraph.yaml",
}

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "taskgraph",
	Short: "Task Graph CLI - 分布式任务图引擎命令行工具",
	Long: `Task Graph CLI 用于运行任务图引擎并管理图定义与图实例。

支持的功能：
  - 启动引擎进程（调度器、执行器、轮询器）
  - 管理图定义与任务定义（列出、查看、导入、删除）
  - 创建并运行图实例
  - 管理图实例（列出、查看状态、取消、删除）

使用示例：
  # 启动引擎
  taskgraph serve --config ./configs/taskgraph.yaml

  # 导入定义文件
  taskgraph definition apply ./definitions/discovery.yaml

  # 运行图并等待结束
  taskgraph run Graph.noop-example --wait

  # 查看图实例状态
  taskgraph instance status <instance-id>`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "引擎配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "使用JSON格式输出")

	// 添加子命令
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(definitionCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveConfigPath 返回--config或第一个存在的默认配置文件，都没有时返回空串
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadConfig() (*config.EngineConfig, error) {
	return config.LoadFrameworkConfig(resolveConfigPath())
}

// withEngine 构建未启动的引擎并写入定义目录，执行fn后释放资源
func withEngine(ctx context.Context, fn func(eng *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := engine.NewEngineBuilder("").WithConfig(cfg).Build()
	if err != nil {
		return err
	}
	defer eng.Stop()
	if err := eng.SeedCatalog(ctx); err != nil {
		return err
	}
	return fn(eng)
}
