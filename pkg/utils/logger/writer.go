// 日志文件输出：按大小切割（lumberjack）或按天切割（file-rotatelogs）
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志切割方式
const (
	RotateNone  = ""      // 不切割，直接追加写入
	RotateSize  = "size"  // 按文件大小切割
	RotateDaily = "daily" // 按天切割
)

// FileConfig 日志文件输出配置
type FileConfig struct {
	Path       string // 日志文件路径
	Rotate     string // 切割方式：""、size、daily
	MaxSizeMB  int    // 单文件最大尺寸（size模式）
	MaxBackups int    // 保留的历史文件数（size模式）
	MaxAge     time.Duration
}

// NewFileWriter 根据配置创建日志输出目标
// Path为空时返回os.Stderr（标准输出承载字节流，日志不能写到stdout）
func NewFileWriter(cfg FileConfig) (io.Writer, error) {
	if cfg.Path == "" {
		return os.Stderr, nil
	}

	switch strings.ToLower(cfg.Rotate) {
	case RotateNone:
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.Path, err)
		}
		return f, nil
	case RotateSize:
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		return &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     int(cfg.MaxAge / (24 * time.Hour)),
		}, nil
	case RotateDaily:
		maxAge := cfg.MaxAge
		if maxAge <= 0 {
			maxAge = 7 * 24 * time.Hour
		}
		ext := filepath.Ext(cfg.Path)
		pattern := strings.TrimSuffix(cfg.Path, ext) + ".%Y%m%d" + ext
		rl, err := rotatelogs.New(pattern,
			rotatelogs.WithLinkName(cfg.Path),
			rotatelogs.WithRotationTime(24*time.Hour),
			rotatelogs.WithMaxAge(maxAge),
		)
		if err != nil {
			return nil, fmt.Errorf("create rotate logs %s: %w", pattern, err)
		}
		return rl, nil
	default:
		return nil, fmt.Errorf("unknown log rotate mode %q", cfg.Rotate)
	}
}
