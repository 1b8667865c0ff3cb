// relstream 命令行：在UDP之上建立可靠有序的字节流会话，转发标准输入与标准输出
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/junbin-yang/relstream-go/api"
	"github.com/junbin-yang/relstream-go/pkg/stdio"
	"github.com/junbin-yang/relstream-go/pkg/transport/link"
	"github.com/junbin-yang/relstream-go/pkg/transport/rdt"
	log "github.com/junbin-yang/relstream-go/pkg/utils/logger"
	"github.com/junbin-yang/relstream-go/pkg/utils/timer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	// 版本信息（编译时可通过参数注入）
	Version   = "dev"
	BuildTime = "unknown"

	cfgFile string     // 配置文件路径
	config  api.Config // 会话配置
)

// rootCmd 建立会话并转发stdin/stdout
var rootCmd = &cobra.Command{
	Use:   "relstream",
	Short: "relstream: UDP之上的可靠有序字节流",
	Long: `relstream在不可靠的UDP数据报之上提供可靠、有序、带流量控制的双向字节流。
标准输入的数据发送给对端，对端的数据按序写到标准输出；日志输出到标准错误或日志文件。`,
	SilenceUsage: true,
	RunE:         runSession,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relstream %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// configCmd 打印合并了默认值、配置文件、环境变量与命令行标志后的有效配置
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "以YAML格式打印有效配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(config)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	def := api.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "配置文件路径（默认是./relstream.yaml）")
	flags.String("role", def.Role.String(), "会话角色（initiator/client, responder/server）")
	flags.String("local", "", "本地UDP地址，例如 :9000")
	flags.String("peer", "", "对端UDP地址（发起方必填，响应方从首个数据报学习）")
	flags.Int("mss", def.MaxPayload, "单个报文最大负载字节数")
	flags.Uint32("window", def.ReceiveWindow, "本端通告的接收窗口字节数")
	flags.Uint32("min-window", def.MinWindow, "对端窗口的下限字节数")
	flags.Duration("rto", def.RTO, "固定重传超时")
	flags.Int("dup-acks", def.DupAckThreshold, "触发快速重传的重复ACK次数")
	flags.Duration("poll", def.PollInterval, "非阻塞接收的轮询间隔")
	flags.Duration("stats-interval", def.StatsInterval, "统计日志输出间隔")
	flags.String("log-level", def.LogLevel, "日志级别（debug, info, warn, error）")
	flags.String("log-file", "", "日志文件路径（默认输出到标准错误）")
	flags.String("log-rotate", "", "日志切割方式（size, daily）")

	// 将命令行标志绑定到viper
	for _, name := range []string{
		"role", "local", "peer", "mss", "window", "min-window", "rto", "dup-acks",
		"poll", "stats-interval", "log-level", "log-file", "log-rotate",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// initConfig 读取配置文件与环境变量
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("relstream")
		viper.SetConfigType("yaml")
	}

	// 环境变量前缀为RELSTREAM（例如RELSTREAM_LOG_LEVEL对应log-level）
	viper.SetEnvPrefix("RELSTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// 标准输出承载字节流，提示信息写到标准错误
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "使用配置文件:", viper.ConfigFileUsed())
	}
}

// loadConfig 从viper加载配置并校验
func loadConfig() error {
	role, err := api.ParseRole(viper.GetString("role"))
	if err != nil {
		return err
	}

	config = api.Config{
		Role:            role,
		LocalAddr:       viper.GetString("local"),
		PeerAddr:        viper.GetString("peer"),
		MaxPayload:      viper.GetInt("mss"),
		MinWindow:       viper.GetUint32("min-window"),
		ReceiveWindow:   viper.GetUint32("window"),
		RTO:             viper.GetDuration("rto"),
		DupAckThreshold: viper.GetInt("dup-acks"),
		PollInterval:    viper.GetDuration("poll"),
		StatsInterval:   viper.GetDuration("stats-interval"),
		LogLevel:        viper.GetString("log-level"),
		LogFile:         viper.GetString("log-file"),
		LogRotate:       viper.GetString("log-rotate"),
	}

	if config.Role == api.RoleInitiator && config.PeerAddr == "" {
		return errors.New("initiator requires --peer")
	}
	if config.Role == api.RoleResponder && config.LocalAddr == "" {
		return errors.New("responder requires --local")
	}
	return config.Validate()
}

// setupLogger 按配置替换默认日志记录器
func setupLogger() error {
	level, ok := log.ParseLevel(config.LogLevel)
	if !ok {
		return errors.Errorf("unknown log level %q", config.LogLevel)
	}
	out, err := log.NewFileWriter(log.FileConfig{
		Path:       config.LogFile,
		Rotate:     config.LogRotate,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	log.ReplaceDefault(log.New(out, level, log.AddCaller(), log.AddCallerSkip(1)))
	return nil
}

// runSession 绑定UDP套接字，运行会话直到收到中断信号或发生致命错误
func runSession(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if err := setupLogger(); err != nil {
		return err
	}
	defer log.Sync()

	var conn *link.UDP
	err := timer.Retry(3, 500*time.Millisecond, func() error {
		c, err := link.ListenUDP(config.LocalAddr, config.PeerAddr, config.PollInterval)
		conn = c
		return err
	})
	if err != nil {
		return errors.Wrap(err, "bind udp socket")
	}
	defer conn.Close()

	src := stdio.NewPumpSource(os.Stdin, 0)
	defer src.Close()
	sink := stdio.NewWriterSink(os.Stdout)

	sess, err := rdt.NewSession(config, conn, src, sink)
	if err != nil {
		return err
	}

	log.Info("Relstream started",
		log.String("version", Version),
		log.Stringer("role", config.Role),
		log.Stringer("local", conn.LocalAddr()),
		log.String("peer", config.PeerAddr))

	// 监听系统中断信号（SIGINT=Ctrl+C, SIGTERM=终止信号）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = sess.Run(ctx)
	st := sess.Statistics()
	log.Info("Relstream stopped",
		log.Uint64("bytesSent", st.BytesSent),
		log.Uint64("bytesDelivered", st.BytesDelivered),
		log.Uint64("retransmissions", st.Retransmissions),
		log.Uint64("fastRetransmits", st.FastRetransmits),
		log.Duration("uptime", st.Uptime))

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Session terminated", log.Err(err), log.Bool("protocolError", rdt.IsFatal(err)))
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// ./relstream --role responder --local :9000 > received.bin
// ./relstream --role initiator --peer 127.0.0.1:9000 < payload.bin
