package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 键值对风格的日志接口
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志配置
type Options struct {
	Level   string
	Writers []string // console / file
	File    string
}

type zeroLogger struct {
	l zerolog.Logger
}

// New 根据配置创建 zerolog 日志器
func New(opts Options) Logger {
	var writers []io.Writer
	for _, w := range opts.Writers {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
		case "file":
			if opts.File == "" {
				continue
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    10, // megabytes
				MaxBackups: 5,
				MaxAge:     7, // days
				LocalTime:  true,
				Compress:   true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	return NewWithWriter(zerolog.MultiLevelWriter(writers...), opts.Level)
}

// NewWithWriter 使用指定输出创建日志器
func NewWithWriter(w io.Writer, level string) Logger {
	return &zeroLogger{l: zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()}
}

// NewNop 创建丢弃所有输出的日志器
func NewNop() Logger {
	return &zeroLogger{l: zerolog.Nop()}
}

// ParseLevel 解析日志级别，无法识别时回退为 info
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (z *zeroLogger) Debug(msg string, kv ...any) {
	z.l.Debug().Fields(kv).Msg(msg)
}

func (z *zeroLogger) Info(msg string, kv ...any) {
	z.l.Info().Fields(kv).Msg(msg)
}

func (z *zeroLogger) Warn(msg string, kv ...any) {
	z.l.Warn().Fields(kv).Msg(msg)
}

func (z *zeroLogger) Error(msg string, kv ...any) {
	z.l.Error().Fields(kv).Msg(msg)
}

func (z *zeroLogger) Err(err error, msg string, kv ...any) {
	z.l.Error().Err(err).Fields(kv).Msg(msg)
}

func (z *zeroLogger) With(kv ...any) Logger {
	return &zeroLogger{l: z.l.With().Fields(kv).Logger()}
}
